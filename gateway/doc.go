// Copyright 2025 WorkflowAI
// SPDX-License-Identifier: BUSL-1.1

// Package gateway implements the multi-provider LLM completion abstraction.
//
// The gateway accepts a vendor-neutral conversation (Message, File,
// ToolCallRequest/Result) plus immutable per-call options, converts it to a
// provider's wire format, issues the HTTP call (batch or streaming), and
// parses the heterogeneous response and error formats back into a normalized
// StructuredOutput and LLMUsage.
//
// # Architecture
//
//	messages/options          ProviderAdapter             provider API
//	      │                        │                           │
//	      ▼                        ▼                           ▼
//	  Transport ──BuildRequest──► wire JSON ──POST/SSE──► OpenAI/Anthropic/
//	      │                                                Gemini/Bedrock/...
//	      │◄──ParseCompletion / ParseStreamEvent◄──────────────┘
//	      ▼
//	  StructuredOutput + RawCompletion
//
// One ProviderAdapter implementation exists per vendor (subpackages openai,
// anthropic, gemini, bedrock, mistral, xai, fireworks); the Registry selects
// an adapter by Provider value and credential-set index. The Transport wraps
// every call with uniform retry, metrics and structured-output extraction,
// so adapters contain translation logic only.
//
// # Streaming
//
// Streamed calls fold events through an explicit accumulator. Tool-call
// argument fragments collect in a ToolCallRequestBuffer keyed by
// content-block index; a tool call is emitted only once its buffered
// argument string parses as JSON. Partial-JSON decode failures mean "more
// data expected" and are swallowed, never surfaced. Text and tool-call
// deltas are delivered strictly in arrival order, and chunks already
// delivered stay with the caller when a stream fails mid-flight.
//
// # Errors
//
// All provider failures normalize to *Error with an ErrorCode from the
// shared taxonomy. Retryability and the attempt budget derive from the code;
// the Transport owns the retry loop, adapters only classify.
package gateway
