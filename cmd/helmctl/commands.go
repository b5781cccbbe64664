package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nicktill/tinyhelm/pkg/api"
	"github.com/nicktill/tinyhelm/pkg/device"
	"github.com/nicktill/tinyhelm/pkg/panel"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDevicesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls"},
		Short:   "List mounted devices",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list api.ListResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/v1/devices", nil, &list); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), list)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HANDLE\tKIND\tQUANTITIES\tADDED")
			for _, d := range list.Devices {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Handle, d.Kind, strings.Join(d.Quantities, ","), d.Added.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newAddCmd(opts *globalOptions) *cobra.Command {
	var commands []string

	cmd := &cobra.Command{
		Use:   "add <kind>",
		Short: "Mount a new device",
		Example: `  helmctl add gps
  helmctl add engine --cmd start --cmd "rpm 1200"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info panel.Info
			req := api.AddRequest{Kind: args[0], Commands: commands}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/devices", req, &info); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.Handle)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&commands, "cmd", nil, "command to send right after mounting (repeatable)")
	return cmd
}

func newRemoveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <handle>...",
		Aliases: []string{"rm"},
		Short:   "Unmount devices",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			for _, h := range args {
				if err := c.do(cmd.Context(), http.MethodDelete, devicePath(h), nil, nil); err != nil {
					return fmt.Errorf("remove %s: %w", h, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", h)
			}
			return nil
		},
	}
}

func newReadCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <handle> [quantity]",
		Short: "Read the latest value of a quantity, or every quantity of a device",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				var detail api.DeviceDetail
				if err := c.do(cmd.Context(), http.MethodGet, devicePath(args[0]), nil, &detail); err != nil {
					return err
				}
				if opts.json {
					return printJSON(out, detail)
				}
				for _, r := range detail.Readings {
					printReading(out, r)
				}
				return nil
			}

			var r device.Reading
			if err := c.do(cmd.Context(), http.MethodGet, devicePath(args[0], "quantities", args[1]), nil, &r); err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, r)
			}
			printReading(out, r)
			return nil
		},
	}
}

func printReading(w io.Writer, r device.Reading) {
	fmt.Fprintf(w, "%s\t%g\t%s\n", r.Quantity, r.Value, r.Timestamp.Format(time.RFC3339Nano))
}

func newAverageCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "average <handle> <quantity> <window>",
		Aliases: []string{"avg"},
		Short:   "Moving average of a quantity over a window (2s, 1m, PT30S)",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := devicePath(args[0], "quantities", args[1], "average") + "?window=" + url.QueryEscape(args[2])

			var resp api.AverageResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%g\n", resp.Average)
			return nil
		},
	}
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "send <handle> <command>...",
		Short:   "Send a command to a device",
		Example: `  helmctl send 1b4e28ba-2fa1-11d2-883f-0016d3cca427 rpm 1500`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.CommandRequest{Command: strings.Join(args[1:], " ")}
			if err := opts.client().do(cmd.Context(), http.MethodPost, devicePath(args[0], "commands"), req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %q\n", req.Command)
			return nil
		},
	}
}

func newKindsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the device kinds the hub can mount",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Kinds []string `json:"kinds"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/v1/kinds", nil, &resp); err != nil {
				return err
			}
			for _, k := range resp.Kinds {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := streamURL(opts.server)
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, nil)
			if err != nil {
				return fmt.Errorf("connect to stream: %w", err)
			}
			defer conn.Close()

			go func() {
				<-cmd.Context().Done()
				conn.Close()
			}()

			out := cmd.OutOrStdout()
			for n := 0; count <= 0 || n < count; {
				var msg struct {
					Type string                `json:"type"`
					Data []panel.TaggedReading `json:"data"`
				}
				if err := conn.ReadJSON(&msg); err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				if msg.Type != "readings" {
					continue
				}
				for _, r := range msg.Data {
					fmt.Fprintf(out, "%s\t%s\t", r.Handle, r.Kind)
					printReading(out, r.Reading)
				}
				n++
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many updates (0 streams forever)")
	return cmd
}
