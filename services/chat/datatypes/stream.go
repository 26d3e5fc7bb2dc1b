// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Stream event types, in emission order: start, chunk*, then exactly one
// of complete or error.
const (
	StreamEventStart    = "start"
	StreamEventChunk    = "chunk"
	StreamEventComplete = "complete"
	StreamEventError    = "error"
)

// StreamEvent is one frame of the chat streaming wire protocol.
//
// # Description
//
// Each frame is serialized as a single SSE data line ("data: <json>\n\n").
// Exactly one payload field is set per frame:
//
//	{"type":"start"}
//	{"type":"chunk","content":"three words here"}
//	{"type":"complete","fullContent":"...entire answer..."}
//	{"type":"error","error":"generic message"}
//
// Clients reconstruct the answer by concatenating chunk contents; the
// complete frame repeats the full accumulated text so late joiners and
// lossy clients can recover.
//
// # Limitations
//
//   - Error text is always generic. Internal detail stays in server logs.
type StreamEvent struct {
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	FullContent string `json:"fullContent,omitempty"`
	Error       string `json:"error,omitempty"`
}
