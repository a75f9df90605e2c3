package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage DM pairing requests",
	}
	cmd.AddCommand(pairingListCmd(), pairingApproveCmd(), pairingDeleteCmd())
	return cmd
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <channel>",
		Short: "List pairing requests for a channel",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openPairingStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			requests, err := store.ListRequests(args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if len(requests) == 0 {
				fmt.Println("no pairing requests")
				return
			}
			for _, r := range requests {
				state := "pending"
				if r.ApprovedAt > 0 {
					state = "approved"
				}
				created := time.UnixMilli(r.CreatedAt).Format(time.RFC3339)
				fmt.Printf("%-24s  %-8s  %-8s  %s\n", r.ID, r.Code, state, created)
			}
		},
	}
}

func pairingApproveCmd() *cobra.Command {
	byCode := false
	cmd := &cobra.Command{
		Use:   "approve <channel> <id-or-code>",
		Short: "Approve a pairing request, adding the sender to the channel allowlist",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openPairingStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			channel := args[0]
			if byCode {
				id, err := store.ApproveByCode(channel, args[1])
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				fmt.Printf("approved %s on %s\n", id, channel)
				return
			}
			if err := store.Approve(channel, args[1]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("approved %s on %s\n", args[1], channel)
		},
	}
	cmd.Flags().BoolVar(&byCode, "code", false, "treat the argument as a pairing code instead of a sender id")
	return cmd
}

func pairingDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <channel> <id>",
		Short: "Delete a pairing request",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openPairingStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if err := store.DeleteRequest(args[0], args[1]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("deleted %s on %s\n", args[1], args[0])
		},
	}
}
