package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pushrelay/pkg/types"
)

type sendOptions struct {
	server  string
	target  string
	group   bool
	text    string
	desp    string
	token   string
	timeout time.Duration
}

func newSendCommand() *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message through a running relay",
		Args:  cobra.NoArgs,
		Example: `  pushrelay send --target alice --text "build finished"
  pushrelay send --server http://relay:9093 --target ops --group --text "disk full" --desp "/var at 98%"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reply, err := send(opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return err
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "http://127.0.0.1:9093", "Relay base URL")
	cmd.Flags().StringVar(&opts.target, "target", "", "Recipient name, or group with --group")
	cmd.Flags().BoolVar(&opts.group, "group", false, "Send to every member of the target group")
	cmd.Flags().StringVar(&opts.text, "text", "", "Message title")
	cmd.Flags().StringVar(&opts.desp, "desp", "", "Message body")
	cmd.Flags().StringVar(&opts.token, "token", "", "Relay token, sent as the Authorization header")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

// send posts a MESSAGE packet and returns the raw reply packet.
func send(opts sendOptions) ([]byte, error) {
	sendType := types.SendTypePersonal
	if opts.group {
		sendType = types.SendTypeGroup
	}
	data, err := json.Marshal(types.MessageRequest{
		SendType: sendType,
		Target:   opts.target,
		Message:  types.Body{Text: opts.text, Desp: opts.desp},
	})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(types.Request{Cmd: types.CmdMessage, Data: data})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(opts.server, "/")+"/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.token != "" {
		req.Header.Set("Authorization", opts.token)
	}

	client := &http.Client{Timeout: opts.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay answered %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return bytes.TrimSpace(raw), nil
}
