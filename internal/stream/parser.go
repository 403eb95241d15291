// Package stream turns raw agent process output into structured event
// records. Agent CLIs emit NDJSON (claude, codex, gemini, opencode) or plain
// text (generic); each agent kind supplies a Classify function that maps one
// complete line to zero or more records. The Parser handles the byte-level
// concerns: reassembling lines split across read chunks, bounding the carry
// buffer, and recovering from malformed fragments without aborting the
// stream.
package stream

import (
	"bytes"
	"fmt"
)

// maxRecordSize bounds the carry buffer for a single record. A line that
// grows past this without a newline is emitted as one error record and the
// remainder of that line is discarded up to the next boundary.
const maxRecordSize = 1024 * 1024 // 1 MB

// ClassifyFunc maps one complete output line to records. Implementations
// must be total: a line that matches no recognized record tag yields an
// error record, never nothing.
type ClassifyFunc func(line []byte) []Record

// Parser is an incremental line parser. It is not safe for concurrent use;
// each session's pipeline owns exactly one Parser.
type Parser struct {
	classify   ClassifyFunc
	carry      []byte
	discarding bool // inside an oversized record, drop until the next newline
}

// NewParser creates a parser that classifies complete lines with classify.
func NewParser(classify ClassifyFunc) *Parser {
	return &Parser{classify: classify}
}

// Feed consumes one raw chunk and returns the records completed by it.
// A record split across chunk boundaries is held back until its closing
// newline arrives.
func (p *Parser) Feed(chunk []byte) []Record {
	var recs []Record

	rest := chunk
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		line := rest[:idx]
		rest = rest[idx+1:]

		if p.discarding {
			p.discarding = false
			continue
		}
		if len(p.carry) > 0 {
			line = append(p.carry, line...)
			p.carry = nil
		}
		recs = append(recs, p.classifyLine(line)...)
	}

	if p.discarding {
		return recs
	}
	if len(rest) > 0 {
		p.carry = append(p.carry, rest...)
	}
	if len(p.carry) > maxRecordSize {
		recs = append(recs, errorRecord(
			fmt.Sprintf("record exceeds %d byte limit", maxRecordSize),
			p.carry[:256],
		))
		p.carry = nil
		p.discarding = true
	}
	return recs
}

// Flush classifies any trailing bytes that were not newline-terminated.
// Called once when the process output stream ends.
func (p *Parser) Flush() []Record {
	if p.discarding || len(p.carry) == 0 {
		p.carry = nil
		p.discarding = false
		return nil
	}
	line := p.carry
	p.carry = nil
	return p.classifyLine(line)
}

func (p *Parser) classifyLine(line []byte) []Record {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	return p.classify(line)
}
