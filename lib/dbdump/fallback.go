/*
 * Warden
 * Copyright (C) 2024  Corvo Systems, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package dbdump

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/corvohq/warden/lib/defaults"
)

// replayBatchSize bounds how many documents a single insert carries.
const replayBatchSize = 500

// exportDocuments writes a document-level export of the database. The
// artifact is a single JSON object of the form
//
//	{"database": ..., "timestamp": ..., "collections": {<name>: {"documents": [...], "count": N}}}
//
// written incrementally so a large database never sits in memory at once.
// A collection that fails to read is recorded as {"error": ..., "count": 0}
// and does not fail the export.
func (e *Exporter) exportDocuments(ctx context.Context, destDir string) (*Result, error) {
	conn, err := e.cfg.DialFunc(ctx, e.cfg.URI)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer conn.Close(ctx)

	names, err := conn.ListCollections(ctx, e.cfg.Database)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Strings(names)

	out := filepath.Join(destDir, e.cfg.Database+FallbackSuffix)
	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaults.PrivateFileMode)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, `{"database":%s,"timestamp":%s,"collections":{`,
		jsonString(e.cfg.Database),
		jsonString(e.cfg.Clock.Now().UTC().Format(time.RFC3339)))

	var included []string
	for i, name := range names {
		if i > 0 {
			w.WriteByte(',')
		}
		w.Write(jsonString(name))
		w.WriteByte(':')
		ok, err := e.exportCollection(ctx, conn, w, name)
		if err != nil {
			os.Remove(out)
			return nil, trace.Wrap(err)
		}
		if ok {
			included = append(included, name)
		}
	}
	w.WriteString("}}")

	if err := w.Flush(); err != nil {
		os.Remove(out)
		return nil, trace.ConvertSystemError(err)
	}
	if err := f.Sync(); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	info, err := os.Stat(out)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	e.cfg.Logger.InfoContext(ctx, "Document export complete.",
		"database", e.cfg.Database, "collections", len(included), "size", info.Size())
	return &Result{
		Method:      MethodFallback,
		Path:        out,
		Size:        info.Size(),
		Collections: included,
	}, nil
}

// exportCollection streams one collection into w. Database-side failures
// are written into the artifact as an error entry and reported as ok=false;
// only write and cancellation errors propagate.
func (e *Exporter) exportCollection(ctx context.Context, conn Conn, w *bufio.Writer, name string) (ok bool, err error) {
	w.WriteString(`{"documents":[`)
	count := 0
	streamErr := conn.EachDocument(ctx, e.cfg.Database, name, func(raw bson.Raw) error {
		data, err := bson.MarshalExtJSON(raw, false, false)
		if err != nil {
			return trace.Wrap(err)
		}
		if count > 0 {
			w.WriteByte(',')
		}
		w.Write(data)
		count++
		return nil
	})
	if streamErr != nil {
		if ctx.Err() != nil {
			return false, trace.Wrap(streamErr)
		}
		e.cfg.Logger.WarnContext(ctx, "Collection export failed, continuing with remaining collections.",
			"database", e.cfg.Database, "collection", name, "error", streamErr)
		fmt.Fprintf(w, `],"error":%s,"count":0}`, jsonString(streamErr.Error()))
		return false, nil
	}
	fmt.Fprintf(w, `],"count":%d}`, count)
	return true, nil
}

// replayDocuments loads a document export back into the database. Each
// collection named by the artifact is dropped and re-inserted in batches.
// Collections recorded with an export error are skipped.
func (e *Exporter) replayDocuments(ctx context.Context, artifactPath string) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	conn, err := e.cfg.DialFunc(ctx, e.cfg.URI)
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Close(ctx)

	dec := json.NewDecoder(bufio.NewReader(f))
	if err := expectDelim(dec, '{'); err != nil {
		return trace.Wrap(err)
	}
	for dec.More() {
		key, err := decodeKey(dec)
		if err != nil {
			return trace.Wrap(err)
		}
		if key != "collections" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return trace.BadParameter("malformed export artifact: %v", err)
			}
			continue
		}
		if err := expectDelim(dec, '{'); err != nil {
			return trace.Wrap(err)
		}
		for dec.More() {
			name, err := decodeKey(dec)
			if err != nil {
				return trace.Wrap(err)
			}
			if err := e.replayCollection(ctx, conn, dec, name); err != nil {
				return trace.Wrap(err)
			}
		}
		if err := expectDelim(dec, '}'); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(expectDelim(dec, '}'))
}

func (e *Exporter) replayCollection(ctx context.Context, conn Conn, dec *json.Decoder, name string) error {
	if err := expectDelim(dec, '{'); err != nil {
		return trace.Wrap(err)
	}
	replayed := 0
	for dec.More() {
		key, err := decodeKey(dec)
		if err != nil {
			return trace.Wrap(err)
		}
		switch key {
		case "documents":
			n, err := e.replayBatches(ctx, conn, dec, name)
			if err != nil {
				return trace.Wrap(err)
			}
			replayed = n
		case "error":
			var msg string
			if err := dec.Decode(&msg); err != nil {
				return trace.BadParameter("malformed export artifact: %v", err)
			}
			e.cfg.Logger.WarnContext(ctx, "Skipping collection recorded with an export error.",
				"database", e.cfg.Database, "collection", name, "error", msg)
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return trace.BadParameter("malformed export artifact: %v", err)
			}
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return trace.Wrap(err)
	}
	e.cfg.Logger.InfoContext(ctx, "Replayed collection.",
		"database", e.cfg.Database, "collection", name, "documents", replayed)
	return nil
}

// replayBatches consumes the documents array, dropping the target
// collection before the first insert so the replay replaces rather than
// appends.
func (e *Exporter) replayBatches(ctx context.Context, conn Conn, dec *json.Decoder, name string) (int, error) {
	if err := expectDelim(dec, '['); err != nil {
		return 0, trace.Wrap(err)
	}
	if err := conn.DropCollection(ctx, e.cfg.Database, name); err != nil {
		return 0, trace.Wrap(err)
	}
	total := 0
	batch := make([]any, 0, replayBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := conn.InsertDocuments(ctx, e.cfg.Database, name, batch); err != nil {
			return trace.Wrap(err)
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return total, trace.BadParameter("malformed export artifact: %v", err)
		}
		var doc bson.D
		if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
			return total, trace.BadParameter("document %d of collection %v does not parse: %v", total+len(batch), name, err)
		}
		batch = append(batch, doc)
		if len(batch) == replayBatchSize {
			if err := flush(); err != nil {
				return total, trace.Wrap(err)
			}
		}
	}
	if err := flush(); err != nil {
		return total, trace.Wrap(err)
	}
	return total, trace.Wrap(expectDelim(dec, ']'))
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return trace.BadParameter("malformed export artifact: %v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return trace.BadParameter("malformed export artifact: expected %v, found %v", want, tok)
	}
	return nil
}

func decodeKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", trace.BadParameter("malformed export artifact: %v", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", trace.BadParameter("malformed export artifact: expected object key, found %v", tok)
	}
	return key, nil
}

func jsonString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
