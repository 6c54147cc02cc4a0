package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/deckbot/internal/control"
)

func reply(cmd *cobra.Command, resp control.Response) error {
	return report(cmd.OutOrStdout(), resp.Status, resp.Body)
}

func newHomeCmd(opts *options) *cobra.Command {
	var mount string
	cmd := &cobra.Command{
		Use:   "home [robot|pipette]",
		Short: "Home the robot, or the carriage and plunger of one pipette",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "robot"
			if len(args) == 1 {
				target = args[0]
			}
			return opts.withRobot(cmd, func(ctx context.Context, rt *runtime) error {
				return reply(cmd, control.NewService(rt.robot).Home(ctx, target, mount))
			})
		},
	}
	cmd.Flags().StringVar(&mount, "mount", "", "Mount to home when the target is pipette (left or right)")
	return cmd
}

func newMoveCmd(opts *options) *cobra.Command {
	var (
		req  control.MoveRequest
		home bool
	)
	cmd := &cobra.Command{
		Use:   "move X Y Z",
		Short: "Move a bare mount or a pipette to a deck point",
		Long: `Move sends a mount or a pipette to a point in deck coordinates. Mount
moves retract both carriages first and must stay at or above z=30. Pipette
moves follow an arc and need --model.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Point = make([]float64, len(args))
			for i, a := range args {
				v, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fmt.Errorf("invalid coordinate %q: %w", a, err)
				}
				req.Point[i] = v
			}
			return opts.withRobot(cmd, func(ctx context.Context, rt *runtime) error {
				if home {
					if err := rt.robot.Home(ctx); err != nil {
						return err
					}
				}
				return reply(cmd, control.NewService(rt.robot).Move(ctx, req))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Target, "target", "pipette", "What to move: mount or pipette")
	f.StringVar(&req.Mount, "mount", "", "Mount to move (left or right)")
	f.StringVar(&req.Model, "model", "", "Pipette model, required for pipette moves")
	f.BoolVar(&home, "home", false, "Home the robot before moving")
	return cmd
}

func newPositionsCmd(opts *options) *cobra.Command {
	var service, engaged bool
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Print the controller position of every axis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if service {
				// fixed positions, no controller needed
				return reply(cmd, (&control.Service{}).PositionInfo())
			}
			return opts.withRobot(cmd, func(ctx context.Context, rt *runtime) error {
				s := control.NewService(rt.robot)
				if engaged {
					return reply(cmd, s.EngagedAxes())
				}
				return reply(cmd, s.Positions())
			})
		},
	}
	cmd.Flags().BoolVar(&service, "service", false, "Print the pipette change and tip attach positions instead")
	cmd.Flags().BoolVar(&engaged, "engaged", false, "Print which motors are powered instead")
	return cmd
}

func newPipettesCmd(opts *options) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "pipettes",
		Short: "Print the pipette attached to each mount",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRobot(cmd, func(ctx context.Context, rt *runtime) error {
				return reply(cmd, control.NewService(rt.robot).AttachedPipettes(ctx, refresh))
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", true, "Read the models from the pipettes")
	return cmd
}

func newDisengageCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "disengage AXIS...",
		Short: "Power down motors",
		Long:  "Disengage releases the holding current of the listed axes (any of x y z a b c).",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRobot(cmd, func(ctx context.Context, rt *runtime) error {
				return reply(cmd, control.NewService(rt.robot).Disengage(ctx, args))
			})
		},
	}
}
