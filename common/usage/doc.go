// Copyright 2025 WorkflowAI
// SPDX-License-Identifier: BUSL-1.1

// Package usage is the token-usage and cost engine: per-model pricing
// tables, prompt/completion cost computation with cached-token discounts
// and reasoning corrections, local token counting for providers that omit
// usage, and persistence of usage events to PostgreSQL.
package usage
