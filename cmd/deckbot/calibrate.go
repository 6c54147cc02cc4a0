package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/banshee-data/deckbot/internal/calibration"
)

func newCalibrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate",
		Short: "Run a deck calibration session over stdin",
		Long: `Calibrate reads one JSON request per line from stdin and prints one JSON
response per line. {"command": "start"} (optionally with "force": true)
opens a session and returns its token; every other request carries that
token and a command such as "jog", "move", "save xy", "attach tip",
"save z", "save transform" or "release".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRobot(cmd, func(ctx context.Context, rt *runtime) error {
				return runCalibration(ctx, cmd, calibration.NewManager(rt.robot, rt.db))
			})
		},
	}
}

func runCalibration(ctx context.Context, cmd *cobra.Command, m *calibration.Manager) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetEscapeHTML(false)
	scan := bufio.NewScanner(cmd.InOrStdin())
	for scan.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scan.Bytes()
		if len(line) == 0 {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(line, &payload); err != nil {
			resp := calibration.Response{
				Status: http.StatusBadRequest,
				Body:   map[string]any{"message": "malformed request: " + err.Error()},
			}
			if err := enc.Encode(resp); err != nil {
				return err
			}
			continue
		}

		var resp calibration.Response
		if payload["command"] == "start" {
			force, _ := payload["force"].(bool)
			resp = m.Start(ctx, force)
		} else {
			resp = m.Dispatch(ctx, payload)
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scan.Err()
}
