// Copyright 2025 WorkflowAI
// SPDX-License-Identifier: BUSL-1.1

// Package logger provides structured JSON logging for WorkflowAI components.
//
// Every log entry carries the emitting component, deployment instance and
// container alongside the tenant and run the entry relates to, so logs from
// concurrent runs multiplexed on one process can be separated downstream.
//
// Usage:
//
//	log := logger.New("gateway")
//	log.Info(tenant, runID, "provider call succeeded", map[string]interface{}{
//		"provider": "openai",
//		"model":    "gpt-4o-mini",
//	})
//
// Entries are written to stdout as single-line JSON for collection by the
// container runtime.
package logger
