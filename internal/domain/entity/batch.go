package entity

import "bytes"

// Batch is a provider-sized slice of records ready for submission. Lines holds
// each record's serialized request line in the same order as Records.
type Batch struct {
	Records               []ClassificationRecord
	Lines                 [][]byte
	EstimatedPayloadBytes int
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// RecordIDs returns the ids of the batch's records in order.
func (b Batch) RecordIDs() []int64 {
	ids := make([]int64, len(b.Records))
	for i, r := range b.Records {
		ids[i] = r.ID
	}
	return ids
}

// Payload joins the serialized lines into a newline-delimited artifact.
func (b Batch) Payload() []byte {
	var buf bytes.Buffer
	buf.Grow(b.EstimatedPayloadBytes)
	for _, line := range b.Lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Split halves the batch at a record boundary.
func (b Batch) Split() (Batch, Batch) {
	mid := len(b.Records) / 2
	return b.slice(0, mid), b.slice(mid, len(b.Records))
}

func (b Batch) slice(from, to int) Batch {
	out := Batch{
		Records: append([]ClassificationRecord(nil), b.Records[from:to]...),
		Lines:   append([][]byte(nil), b.Lines[from:to]...),
	}
	for _, line := range out.Lines {
		out.EstimatedPayloadBytes += len(line) + 1
	}
	return out
}
