package stream

// ClassifyGeneric maps plain line-oriented output to text records. Used for
// agent binaries without a structured output mode.
func ClassifyGeneric(line []byte) []Record {
	return []Record{textRecord(string(line))}
}
