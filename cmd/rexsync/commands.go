package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rexsync/rexsync/config"
)

// errNotDevelopment guards destructive maintenance commands.
var errNotDevelopment = errors.New("this command can only be executed in the development environment")

// refreshWorkflows runs one sweep and prints the report and the active workflows.
func refreshWorkflows(ctx context.Context, cfg *config.Config, out io.Writer) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	fmt.Fprintln(out, "Refreshing workflows")
	report, err := a.api.RefreshAll(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	active, err := a.api.ListActive(ctx, nil)
	if err != nil {
		return fmt.Errorf("list active workflows: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"report": report,
		"active": active,
	})
}

// cancelWorkflows refreshes, then cancels every running workflow.
func cancelWorkflows(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.App.Environment != "development" {
		return errNotDevelopment
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	fmt.Fprintln(out, "Refreshing workflows")
	if _, err := a.api.RefreshAll(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	fmt.Fprintln(out, "Canceling running workflows")
	active, err := a.api.ListActive(ctx, nil)
	if err != nil {
		return fmt.Errorf("list active workflows: %w", err)
	}

	canceled := 0
	var errs []error
	for _, wf := range active {
		fmt.Fprintf(out, "Canceling workflow %s\n", wf.InstanceID)
		ok, err := a.api.CancelWorkflow(ctx, wf.InstanceID)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("cancel %s: %w", wf.InstanceID, err))
		case !ok:
			fmt.Fprintf(out, "Engine refused to cancel %s\n", wf.InstanceID)
		default:
			canceled++
		}
	}
	fmt.Fprintf(out, "%d workflows canceled\n", canceled)
	return errors.Join(errs...)
}
