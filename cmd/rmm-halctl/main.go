// rmm-halctl - control client for the hardware abstraction broker
//
// halctl is a thin wrapper around the broker's Unix socket protocol.
// Exit codes are part of its interface and scripts depend on them:
//
//	0  the operation succeeded
//	1  the daemon executed the request and reported a failure
//	2  the request or response was malformed, or arguments were invalid
//	3  the daemon was unreachable or the connection died
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/doughall/linuxrmm/hald/internal/client"
	"github.com/doughall/linuxrmm/hald/internal/protocol"
	"github.com/doughall/linuxrmm/hald/internal/version"
)

const (
	exitOK        = 0
	exitOperation = 1
	exitProtocol  = 2
	exitTransport = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rmm-halctl: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps an error onto the documented exit statuses. Anything
// that never produced a daemon-side verdict (bad arguments, unusable
// responses) lands in the protocol bucket.
func exitCode(err error) int {
	var tErr *client.TransportError
	if errors.As(err, &tErr) {
		return exitTransport
	}
	var opErr *client.OperationError
	if errors.As(err, &opErr) {
		if opErr.Class.IsProtocol() {
			return exitProtocol
		}
		return exitOperation
	}
	return exitProtocol
}

// clientOptions carries the persistent flags shared by every command.
type clientOptions struct {
	socket  string
	timeout time.Duration
}

func (o *clientOptions) client() *client.Client {
	return client.New(o.socket, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &clientOptions{}

	root := &cobra.Command{
		Use:   "rmm-halctl",
		Short: "Control the rmm-hald hardware abstraction broker",
		Long: `rmm-halctl sends privileged operation requests to rmm-hald over its
Unix socket. Access is controlled entirely by the socket's file
permissions; if you can open the socket, you can reboot the machine.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.socket, "socket", protocol.DefaultSocketPath, "path to the daemon socket")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "timeout for the whole exchange")

	root.AddCommand(rebootCmd(opts))
	root.AddCommand(poweroffCmd(opts))
	root.AddCommand(setTimeCmd(opts))
	root.AddCommand(mountCmd(opts))
	root.AddCommand(unmountCmd(opts))
	root.AddCommand(remountCmd(opts))
	root.AddCommand(statusCmd(opts))
	root.AddCommand(getBrightnessCmd(opts))
	root.AddCommand(setBrightnessCmd(opts))
	root.AddCommand(enableScreenCmd(opts))
	root.AddCommand(disableScreenCmd(opts))

	return root
}

func rebootCmd(opts *clientOptions) *cobra.Command {
	var delay uint32

	cmd := &cobra.Command{
		Use:   "reboot",
		Short: "Reboot the machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Reboot(cmd.Context(), delay); err != nil {
				return fmt.Errorf("reboot: %w", err)
			}
			if delay > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "reboot scheduled in %ds\n", delay)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "reboot requested")
			}
			return nil
		},
	}

	cmd.Flags().Uint32Var(&delay, "delay", 0, "seconds to wait before rebooting")

	return cmd
}

func poweroffCmd(opts *clientOptions) *cobra.Command {
	var delay uint32

	cmd := &cobra.Command{
		Use:   "poweroff",
		Short: "Power the machine off",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().PowerOff(cmd.Context(), delay); err != nil {
				return fmt.Errorf("poweroff: %w", err)
			}
			if delay > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "poweroff scheduled in %ds\n", delay)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "poweroff requested")
			}
			return nil
		},
	}

	cmd.Flags().Uint32Var(&delay, "delay", 0, "seconds to wait before powering off")

	return cmd
}

func setTimeCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-time <epoch|rfc3339>",
		Short: "Set the system clock",
		Long: `Set the system clock to the given time, expressed either as a Unix
epoch in seconds or as an RFC3339 timestamp like 2026-08-25T12:00:00Z.
The daemon rejects times before 2000-01-01 or after 2100-01-01.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := parseTimeArg(args[0])
			if err != nil {
				return err
			}
			prev, err := opts.client().SetTime(cmd.Context(), epoch)
			if err != nil {
				return fmt.Errorf("set-time: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "clock set, previous time was %s\n",
				time.Unix(prev, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}
}

func mountCmd(opts *clientOptions) *cobra.Command {
	var (
		fstype  string
		options string
	)

	cmd := &cobra.Command{
		Use:   "mount <source> <target>",
		Short: "Mount a filesystem",
		Long: `Mount source on target. Standard options given with -o (ro, nosuid,
nodev, noexec, sync, noatime, nodiratime, relatime, bind, remount) map
onto mount flags; anything else is passed to the filesystem driver
verbatim, so -o ro,uid=1000 works the way it does with mount(8).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags, data := protocol.ParseMountOptions(options)
			if err := opts.client().Mount(cmd.Context(), args[0], args[1], fstype, flags, data); err != nil {
				return fmt.Errorf("mount: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mounted %s on %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&fstype, "fstype", "", "filesystem type (e.g. ext4, vfat)")
	cmd.Flags().StringVarP(&options, "options", "o", "", "comma-separated mount options")

	return cmd
}

func unmountCmd(opts *clientOptions) *cobra.Command {
	var (
		force bool
		lazy  bool
	)

	cmd := &cobra.Command{
		Use:     "unmount <target>",
		Aliases: []string{"umount"},
		Short:   "Unmount a filesystem",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var flags protocol.UnmountFlags
			if force {
				flags |= protocol.UnmountForce
			}
			if lazy {
				flags |= protocol.UnmountDetach
			}
			if err := opts.client().Unmount(cmd.Context(), args[0], flags); err != nil {
				return fmt.Errorf("unmount: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unmounted %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "force unmount even if busy (MNT_FORCE)")
	cmd.Flags().BoolVar(&lazy, "lazy", false, "detach now, clean up when no longer busy (MNT_DETACH)")

	return cmd
}

func remountCmd(opts *clientOptions) *cobra.Command {
	var options string

	cmd := &cobra.Command{
		Use:   "remount <target>",
		Short: "Change mount flags of a mounted filesystem",
		Long: `Remount the filesystem at target with new options, most usefully to
flip between read-only and read-write: remount /mnt/usb -o ro.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags, data := protocol.ParseMountOptions(options)
			if err := opts.client().Remount(cmd.Context(), args[0], flags, data); err != nil {
				return fmt.Errorf("remount: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "remounted %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&options, "options", "o", "", "comma-separated mount options")

	return cmd
}

func statusCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			if !c.Available() {
				return &client.TransportError{
					Err: fmt.Errorf("no daemon listening on %s", opts.socket),
				}
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "daemon version: %s\n", st.Version)
			fmt.Fprintf(out, "started:        %s (up %s)\n",
				st.Started.UTC().Format(time.RFC3339),
				time.Since(st.Started).Round(time.Second))
			if st.BootTime.IsZero() {
				fmt.Fprintf(out, "system boot:    unknown\n")
			} else {
				fmt.Fprintf(out, "system boot:    %s\n", st.BootTime.UTC().Format(time.RFC3339))
			}
			fmt.Fprintf(out, "operations:     %d\n", st.Operations)
			return nil
		},
	}
}

func getBrightnessCmd(opts *clientOptions) *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "get-brightness",
		Short: "Read the backlight level as a percentage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := opts.client().Brightness(cmd.Context(), device)
			if err != nil {
				return fmt.Errorf("get-brightness: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", pct)
			return nil
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "backlight device name (default: first enumerated)")

	return cmd
}

func setBrightnessCmd(opts *clientOptions) *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "set-brightness <percent>",
		Short: "Set the backlight level as a percentage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := parsePercent(args[0])
			if err != nil {
				return err
			}
			if err := opts.client().SetBrightness(cmd.Context(), device, pct); err != nil {
				return fmt.Errorf("set-brightness: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "brightness set to %d%%\n", pct)
			return nil
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "backlight device name (default: first enumerated)")

	return cmd
}

func enableScreenCmd(opts *clientOptions) *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "enable-screen",
		Short: "Power the screen backlight on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().EnableScreen(cmd.Context(), device); err != nil {
				return fmt.Errorf("enable-screen: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "screen enabled")
			return nil
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "backlight device name (default: first enumerated)")

	return cmd
}

func disableScreenCmd(opts *clientOptions) *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "disable-screen",
		Short: "Power the screen backlight off",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().DisableScreen(cmd.Context(), device); err != nil {
				return fmt.Errorf("disable-screen: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "screen disabled")
			return nil
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "backlight device name (default: first enumerated)")

	return cmd
}

// parseTimeArg accepts a Unix epoch in seconds or an RFC3339 timestamp.
func parseTimeArg(arg string) (int64, error) {
	if epoch, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return epoch, nil
	}
	ts, err := time.Parse(time.RFC3339, arg)
	if err != nil {
		return 0, fmt.Errorf("not a Unix epoch or RFC3339 timestamp: %q", arg)
	}
	return ts.Unix(), nil
}

func parsePercent(arg string) (uint8, error) {
	v, err := strconv.ParseUint(arg, 10, 8)
	if err != nil || v > 100 {
		return 0, fmt.Errorf("percent must be between 0 and 100, got %q", arg)
	}
	return uint8(v), nil
}
