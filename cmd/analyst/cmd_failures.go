// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/analyst/pkg/ux"
	"github.com/AleutianAI/analyst/services/analyst/failures"
)

func newFailuresCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect and manage the durable failure queue",
	}
	cmd.AddCommand(
		newFailuresListCmd(c),
		newFailuresDrainCmd(c),
		newFailuresFailCmd(c),
		newFailuresCleanupCmd(c),
	)
	return cmd
}

func newFailuresListCmd(c *cli) *cobra.Command {
	var (
		status   string
		resource string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List failure records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := failures.Filter{ResourceKey: resource, Limit: limit}
			if status != "" {
				s, err := failures.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Statuses = []failures.Status{s}
			}

			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			records, err := svc.ListFailures(cmd.Context(), filter)
			if err != nil {
				return err
			}
			for _, r := range records {
				c.printer.Status(statusIcon(r.Status), r.ID, fmt.Sprintf("%s %s/%s %s retries=%d/%d",
					r.Status, r.ResourceKey, r.OperationKind, r.ItemIdentifier, r.RetryCount, r.MaxRetries))
			}
			c.printer.Info(fmt.Sprintf("%d records", len(records)))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "PENDING, RETRYING, SUCCESS, or FAILED")
	cmd.Flags().StringVar(&resource, "resource", "", "Resource key, e.g. embedding")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum records (0 for all)")
	return cmd
}

func newFailuresDrainCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one retry pass over due records now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.DrainFailures(cmd.Context())
			if err != nil {
				return err
			}
			c.printer.KeyValues(map[string]string{
				"recovered":   strconv.Itoa(report.Recovered),
				"claimed":     strconv.Itoa(report.Claimed),
				"succeeded":   strconv.Itoa(report.Succeeded),
				"rescheduled": strconv.Itoa(report.Rescheduled),
				"failed":      strconv.Itoa(report.Failed),
				"skipped":     strconv.Itoa(report.Skipped),
			})
			return nil
		},
	}
}

func newFailuresFailCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "fail ID",
		Short: "Move a record to FAILED permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.MarkFailed(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.printer.Success(args[0] + " marked FAILED")
			return nil
		},
	}
}

func newFailuresCleanupCmd(c *cli) *cobra.Command {
	var (
		status    string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge SUCCESS or FAILED records older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := failures.ParseStatus(status)
			if err != nil {
				return err
			}
			svc, err := c.service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.CleanupFailures(cmd.Context(), s, olderThan)
			if err != nil {
				return err
			}
			c.printer.Success(fmt.Sprintf("deleted %d %s records", n, s))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", string(failures.StatusSuccess), "SUCCESS or FAILED")
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Minimum age since the last update")
	return cmd
}

func statusIcon(s failures.Status) ux.Icon {
	switch s {
	case failures.StatusSuccess:
		return ux.IconSuccess
	case failures.StatusFailed:
		return ux.IconError
	case failures.StatusRetrying:
		return ux.IconWarning
	}
	return ux.IconPending
}
