package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/guildscope/guildscope/internal/models"
)

// writerFlusher lets one artifact path serve both plain and gzip output.
type writerFlusher interface {
	io.Writer
	Flush() error
}

type nopFlusher struct {
	io.Writer
}

func (nopFlusher) Flush() error { return nil }

func serialize(w io.Writer, format string, messages []models.Message) error {
	switch format {
	case models.FormatJSON:
		return writeJSON(w, messages)
	case models.FormatNDJSON:
		return writeNDJSON(w, messages)
	case models.FormatCSV:
		return writeCSV(w, messages)
	default:
		return fmt.Errorf("export: unsupported format %q", format)
	}
}

// writeJSON emits one array of message objects.
func writeJSON(w io.Writer, messages []models.Message) error {
	enc := json.NewEncoder(w)
	return enc.Encode(messages)
}

// writeNDJSON emits one message object per line.
func writeNDJSON(w io.Writer, messages []models.Message) error {
	enc := json.NewEncoder(w)
	for i := range messages {
		if err := enc.Encode(&messages[i]); err != nil {
			return err
		}
	}
	return nil
}

var csvHeader = []string{
	"id", "timestamp", "priority", "sender_id", "sender_name",
	"topics", "format", "process_status", "is_error", "thread_root",
	"conversation_id", "recipients",
}

// writeCSV flattens messages to one row each. The payload is omitted: it is
// opaque JSON and belongs in the json/ndjson formats.
func writeCSV(w io.Writer, messages []models.Message) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for i := range messages {
		m := &messages[i]

		recipients := make([]string, len(m.RecipientList))
		for j, r := range m.RecipientList {
			recipients[j] = r.ID
		}

		row := []string{
			m.ID,
			strconv.FormatInt(m.Timestamp, 10),
			strconv.Itoa(m.Priority),
			m.Sender.ID,
			m.Sender.Name,
			strings.Join(m.Topics, ";"),
			m.Format,
			m.ProcessStatus,
			strconv.FormatBool(m.IsErrorMessage),
			m.RootThreadID(),
			m.ConversationID,
			strings.Join(recipients, ";"),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
