package main

import (
	"fmt"
	"strings"
	"time"

	"lealta/venue-service/internal/dispatcher"
	"lealta/venue-service/internal/migrations"
	"lealta/venue-service/internal/models"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			applied, err := migrations.Up(cmd.Context(), a.Pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark stale PENDING and CONFIRMED reservations as NO_SHOW",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			result, err := a.Reservations.SweepStaleReservations(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
}

func newBusinessDayCmd() *cobra.Command {
	var tenantID, at string
	c := &cobra.Command{
		Use:   "business-day",
		Short: "Show the commercial day of a tenant at an instant",
		RunE: func(cmd *cobra.Command, args []string) error {
			var instant *time.Time
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at (want RFC3339): %w", err)
				}
				instant = &parsed
			}
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			day, err := a.Resolver.ResolveCommercialDay(cmd.Context(), tenantID, instant)
			if err != nil {
				return err
			}
			return printJSON(cmd, day)
		},
	}
	c.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	c.Flags().StringVar(&at, "at", "", "instant in RFC3339, defaults to now")
	_ = c.MarkFlagRequired("tenant")
	return c
}

func newQRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Manage reservation QR codes",
	}
	var before string
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete QR codes of reservations before a date (default: start of this month)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cutoff time.Time
			if before != "" {
				parsed, err := time.Parse("2006-01-02", before)
				if err != nil {
					return fmt.Errorf("invalid --before (want YYYY-MM-DD): %w", err)
				}
				cutoff = parsed
			}
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			purged, err := a.Reservations.PurgeQRCodes(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d qr codes\n", purged)
			return nil
		},
	}
	purge.Flags().StringVar(&before, "before", "", "cutoff date YYYY-MM-DD")
	cmd.AddCommand(purge)
	return cmd
}

func newCampaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Start and control batched campaigns",
	}
	cmd.AddCommand(newCampaignStartCmd())
	for _, action := range []string{"pause", "resume", "cancel"} {
		cmd.AddCommand(newCampaignActionCmd(action))
	}
	cmd.AddCommand(newCampaignProgressCmd())
	return cmd
}

func newCampaignStartCmd() *cobra.Command {
	var (
		tenantID    string
		name        string
		body        string
		templateID  string
		senderID    string
		phones      []string
		batchSize   int
		delay       time.Duration
		concurrency int
		wait        bool
	)
	c := &cobra.Command{
		Use:   "start",
		Short: "Create a campaign; the server dispatches it unless --wait is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			done := make(chan string, 1)
			var opts []dispatcher.Option
			if wait {
				opts = append(opts, dispatcher.WithDoneHook(func(_, status string) {
					select {
					case done <- status:
					default:
					}
				}))
			}
			a, err := openApp(cmd, true, opts...)
			if err != nil {
				return err
			}
			defer a.Close()

			recipients := make([]models.Recipient, 0, len(phones))
			for _, phone := range phones {
				recipients = append(recipients, models.Recipient{Phone: strings.TrimSpace(phone)})
			}
			id, err := a.Dispatcher.StartCampaign(cmd.Context(), tenantID, dispatcher.CampaignConfig{
				Name:            name,
				TemplateID:      templateID,
				MessageBody:     body,
				SenderID:        senderID,
				BatchSize:       batchSize,
				InterBatchDelay: delay,
				MaxConcurrency:  concurrency,
				Recipients:      recipients,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			if !wait {
				return nil
			}
			select {
			case status := <-done:
				fmt.Fprintln(cmd.OutOrStdout(), "finished with status", status)
			case <-cmd.Context().Done():
			}
			return a.Shutdown(cmd.Context())
		},
	}
	c.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	c.Flags().StringVar(&name, "name", "", "campaign name")
	c.Flags().StringVar(&body, "body", "", "message body, supports {{nombre}} and recipient variables")
	c.Flags().StringVar(&templateID, "template", "", "provider template id")
	c.Flags().StringVar(&senderID, "sender", "", "sender id")
	c.Flags().StringSliceVar(&phones, "phone", nil, "recipient phone, repeatable; defaults to the tenant's customers")
	c.Flags().IntVar(&batchSize, "batch-size", 0, "recipients per batch")
	c.Flags().DurationVar(&delay, "delay", 0, "pause between batches")
	c.Flags().IntVar(&concurrency, "concurrency", 0, "parallel sends per batch")
	c.Flags().BoolVar(&wait, "wait", false, "dispatch in this process and wait until the campaign ends")
	_ = c.MarkFlagRequired("tenant")
	_ = c.MarkFlagRequired("name")
	return c
}

func newCampaignActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <campaign-id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			var c models.Campaign
			switch action {
			case "pause":
				c, err = a.Dispatcher.PauseCampaign(cmd.Context(), args[0])
			case "resume":
				c, err = a.Dispatcher.ResumeCampaign(cmd.Context(), args[0])
			case "cancel":
				c, err = a.Dispatcher.CancelCampaign(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
}

func newCampaignProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <campaign-id>",
		Short: "Show campaign counters and batch position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			progress, err := a.Dispatcher.GetCampaignProgress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, progress)
		},
	}
}
