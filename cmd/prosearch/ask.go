package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/app"
	"github.com/Kocoro-lab/prosearch/internal/research"
	"github.com/Kocoro-lab/prosearch/internal/streaming"
)

// AskCmd runs one research session in-process and prints its events.
func AskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   `ask "<query>"`,
		Short: "Research a single question and print progress and the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}
	cmd.Flags().StringP("effort", "e", "medium", "Research effort: low, medium or high")
	cmd.Flags().Bool("json", false, "Print raw events as JSON lines")
	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	effort, err := cmd.Flags().GetString("effort")
	if err != nil {
		return err
	}
	jsonOut, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}

	a, _, logger, err := app.Setup(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	a.Start(ctx)
	defer a.Close(context.Background())

	s, err := a.Service.Submit(research.Request{Query: strings.Join(args, " "), Effort: effort})
	if err != nil {
		return err
	}
	logger.Debug("Session submitted", zap.String("session_id", s.ID))

	go func() {
		select {
		case <-ctx.Done():
			_ = a.Service.Cancel(s.ID)
		case <-s.Done():
		}
	}()

	if err := follow(ctx, a.Events, s.ID, cmd.OutOrStdout(), jsonOut); err != nil {
		return err
	}
	<-s.Done()

	v := s.View()
	switch v.State {
	case research.StateFailed:
		return errors.New(v.Error)
	case research.StateCancelled:
		return research.ErrSessionCancelled
	}
	return nil
}

// follow writes every event of sessionID to out until the stream completes.
func follow(ctx context.Context, events *streaming.Manager, sessionID string, out io.Writer, jsonOut bool) error {
	ch := events.Subscribe(sessionID, 256)
	defer events.Unsubscribe(sessionID, ch)

	var last uint64
	write := func(evt streaming.Event) error {
		if evt.Seq <= last {
			return nil
		}
		last = evt.Seq
		if jsonOut {
			b, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "%s\n", b)
			return err
		}
		_, err := io.WriteString(out, describe(evt))
		return err
	}

	for _, evt := range events.ReplaySince(ctx, sessionID, 0) {
		if err := write(evt); err != nil {
			return err
		}
	}
	for evt := range ch {
		if err := write(evt); err != nil {
			return err
		}
	}
	return nil
}

// describe renders an event for a terminal.
func describe(evt streaming.Event) string {
	switch p := evt.Payload.(type) {
	case streaming.QueriesGenerated:
		var b strings.Builder
		fmt.Fprintf(&b, "== Loop %d: %d queries\n", p.LoopIndex, len(p.Queries))
		for _, q := range p.Queries {
			fmt.Fprintf(&b, "   - %s\n", q)
		}
		return b.String()
	case streaming.WebProgress:
		return fmt.Sprintf("   web  %-60q %d sources\n", p.Query, p.SourceCount)
	case streaming.KBProgress:
		return fmt.Sprintf("   kb   %-60q %s, %d documents\n", p.Query, p.Status, p.SourceCount)
	case streaming.Reflection:
		if p.IsSufficient {
			return fmt.Sprintf("== Reflection %d: sufficient\n", p.LoopIndex)
		}
		return fmt.Sprintf("== Reflection %d: gap %q, %d follow-ups\n", p.LoopIndex, p.KnowledgeGap, len(p.FollowUpQueries))
	case streaming.FinalAnswer:
		return "\n" + p.Text + "\n"
	case streaming.SessionFailed:
		return "!! Session failed: " + p.Error + "\n"
	case streaming.TunnelStatus:
		return fmt.Sprintf("   tunnel %s -> %s %s\n", p.From, p.To, p.Reason)
	default:
		return evt.Type() + "\n"
	}
}
