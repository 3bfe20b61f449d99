package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-capacity/internal/model"
	"github.com/iliyamo/ticket-capacity/internal/repository"
	"github.com/iliyamo/ticket-capacity/internal/service"
	"github.com/iliyamo/ticket-capacity/internal/utils"
)

func newProvisionCommand(a *app) *cobra.Command {
	var (
		ev          model.Event
		date, start string
		ticketTypes []string
	)
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the capacity counters of one event slot",
		Example: `  ticket-capacity provision --event-id 7 --date 2025-06-01 --start-time 19:30 \
    --max-tickets 500 --shards 8 --ticket-type 1:100:4 --ticket-type 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			types := make([]model.EventTicketType, 0, len(ticketTypes))
			for _, raw := range ticketTypes {
				tt, err := parseTicketType(ev.ID, raw)
				if err != nil {
					return err
				}
				types = append(types, tt)
			}

			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			slot, err := service.ProvisionSlot(cmd.Context(), repository.NewMySQLStore(db), ev, types,
				model.EventDate{EventID: ev.ID, Date: date, StartTime: start})
			if err != nil {
				return err
			}
			a.logger.Info("slot provisioned",
				zap.Stringer("slot", slot), zap.Int("max_tickets", ev.MaxTickets),
				zap.Int("shards", ev.ShardCount), zap.Int("ticket_types", len(types)))
			return nil
		},
	}
	cmd.Flags().Int64Var(&ev.ID, "event-id", 0, "event id")
	cmd.Flags().StringVar(&date, "date", "", "slot date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&start, "start-time", "", "slot start time (HH:MM[:SS])")
	cmd.Flags().IntVar(&ev.MaxTickets, "max-tickets", 0, "total capacity of the slot")
	cmd.Flags().IntVar(&ev.ShardCount, "shards", 4, "number of total-capacity shards")
	cmd.Flags().StringArrayVar(&ticketTypes, "ticket-type", nil, "ticket type as ID[:MAX[:SHARDS]]; without MAX the type has no cap of its own")
	_ = cmd.MarkFlagRequired("event-id")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("start-time")
	_ = cmd.MarkFlagRequired("max-tickets")
	return cmd
}

// parseTicketType reads "ID", "ID:MAX" or "ID:MAX:SHARDS".
func parseTicketType(eventID int64, raw string) (model.EventTicketType, error) {
	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return model.EventTicketType{}, fmt.Errorf("ticket type %q: too many fields", raw)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		return model.EventTicketType{}, fmt.Errorf("ticket type %q: invalid id", raw)
	}
	tt := model.EventTicketType{EventID: eventID, TicketTypeID: id}
	if len(parts) > 1 {
		m, err := strconv.Atoi(parts[1])
		if err != nil || m < 0 {
			return model.EventTicketType{}, fmt.Errorf("ticket type %q: invalid max", raw)
		}
		tt.MaxPerType = &m
	}
	if len(parts) > 2 {
		n, err := strconv.Atoi(parts[2])
		if err != nil || n <= 0 {
			return model.EventTicketType{}, fmt.Errorf("ticket type %q: invalid shard count", raw)
		}
		tt.ShardCount = n
	}
	return tt, nil
}

func newPaymentTokenCommand(a *app) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "payment-token",
		Short: "Mint a bearer token for the payment confirmation endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := utils.NewPaymentToken(a.cfg.PaymentJWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "payment system id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
