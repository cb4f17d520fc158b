package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BJChen990/simple-miio"
)

type deviceFlags struct {
	host  string
	token string
	port  int
}

func (f *deviceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "", "device IP address (required)")
	cmd.Flags().StringVar(&f.token, "token", "", "32-character hex device token (required)")
	cmd.Flags().IntVar(&f.port, "port", 0, "device UDP port (default 54321)")
	cmd.MarkFlagRequired("host")
	cmd.MarkFlagRequired("token")
}

func (f *deviceFlags) newClient() (*miio.Client, func(), error) {
	transport := miio.NewUDPTransport("", nil)
	opts := []miio.ClientOption{}
	if f.port != 0 {
		opts = append(opts, miio.WithPort(f.port))
	}
	client, err := miio.NewClient(transport, f.token, f.host, opts...)
	if err != nil {
		transport.Close()
		return nil, nil, err
	}
	cleanup := func() {
		client.Close()
		transport.Close()
	}
	return client, cleanup, nil
}

func handshakeCmd() *cobra.Command {
	var flags deviceFlags
	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Force a handshake with an empty get_prop call and print its reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := flags.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			// send() always handshakes first; a lightweight get_prop
			// with no params is enough to force it and confirm liveness.
			result, err := client.Send(ctx, "get_prop", []interface{}{})
			if err != nil {
				return err
			}
			fmt.Printf("handshake ok, reply: %v\n", result)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func sendCmd() *cobra.Command {
	var flags deviceFlags
	var method string
	var paramsJSON string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a raw JSON-RPC-style method call",
		RunE: func(cmd *cobra.Command, args []string) error {
			var params interface{}
			if paramsJSON == "" {
				params = []interface{}{}
			} else if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
				return fmt.Errorf("invalid --params JSON: %w", err)
			}

			client, cleanup, err := flags.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			result, err := client.Send(ctx, method, params)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&method, "method", "", "method name (required)")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "JSON-encoded params array (default: [])")
	cmd.MarkFlagRequired("method")
	return cmd
}

func getPropCmd() *cobra.Command {
	var flags deviceFlags
	var props []string
	cmd := &cobra.Command{
		Use:   "get-prop",
		Short: "Convenience wrapper for the get_prop method",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := flags.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			params := make([]interface{}, len(props))
			for i, p := range props {
				params[i] = p
			}
			result, err := client.Send(ctx, "get_prop", params)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&props, "prop", nil, "property name, repeatable")
	return cmd
}

func setPowerCmd() *cobra.Command {
	var flags deviceFlags
	var on bool
	cmd := &cobra.Command{
		Use:   "set-power",
		Short: "Convenience wrapper for the set_power method",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := flags.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			state := "off"
			if on {
				state = "on"
			}
			if err := client.SimpleSend(ctx, "set_power", []interface{}{state}); err != nil {
				return err
			}
			fmt.Printf("power: %s\n", state)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&on, "on", false, "turn on (default off)")
	return cmd
}
