package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yourorg/payment-reconciler/internal/app"
	"github.com/yourorg/payment-reconciler/internal/channel"
	"github.com/yourorg/payment-reconciler/internal/signature"
)

type reconcileOutput struct {
	OrderID    int64  `json:"order_id"`
	Ran        bool   `json:"ran"`
	Outcome    string `json:"outcome,omitempty"`
	Transition string `json:"transition,omitempty"`
	Status     string `json:"status,omitempty"`
	Applied    bool   `json:"applied"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Pull the processor status of one order and apply it",
		Long: `Reconcile one order against Juspay, exactly like the admin refresh
button, under the same processing lock as the HTTP channels.

Examples:
  reconciler reconcile --order-id 1042
  reconciler reconcile --order-id 1042 --config /etc/reconciler.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetInt64("order-id")
			if id <= 0 {
				return fmt.Errorf("--order-id must be a positive order id")
			}
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to build service: %w", err)
			}
			defer a.Close()

			cli := channel.NewCommandLine(a.Engine, a.Locks, a.Metrics, logger)
			res, ran, runErr := cli.Run(cmd.Context(), id)

			out := reconcileOutput{OrderID: id, Ran: ran}
			q := channel.ManualQuery(res, ran, runErr)
			out.Message, out.Error = q.Get("message"), q.Get("error")
			if !ran && runErr == nil {
				out.Message = "order is being processed by another channel"
			}
			if res != nil {
				out.Outcome = string(res.Outcome)
				out.Transition = res.Transition.String()
				out.Applied = res.Applied
				if res.Order != nil {
					out.Status = string(res.Order.Status)
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().Int64("order-id", 0, "local order id to reconcile")
	return cmd
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign key=value...",
		Short: "Print the return-URL signature for a parameter set",
		Long: `Compute the HMAC-SHA256 signature Juspay appends to return redirects.
Useful to craft test redirects against a running service.

Example:
  reconciler sign --secret resp_secret order_id=wc_order_abc status=CHARGED`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args)
			if err != nil {
				return err
			}
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				cfg, _, err := setup(cmd)
				if err != nil {
					return err
				}
				secret = cfg.Gateway.ResponseKey
			}
			if secret == "" {
				return fmt.Errorf("no response key: pass --secret or set gateway.response_key")
			}
			fmt.Fprintln(cmd.OutOrStdout(), signature.Sign(params, secret))
			return nil
		},
	}
	cmd.Flags().String("secret", "", "response key; defaults to gateway.response_key")
	return cmd
}

func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", arg)
		}
		params[k] = v
	}
	return params, nil
}
