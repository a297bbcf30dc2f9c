package vectoridx

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/themisdb/themisdb/internal/codec"
	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kverr"
)

func encodeVectorRow(embedding []float32) []byte {
	return codec.Encode(codec.VectorFloat(embedding))
}

func decodeVectorRow(blob []byte) ([]float32, error) {
	v, _, err := codec.Decode(blob)
	if err != nil {
		return nil, err
	}
	return v.AsVector()
}

type indexMeta struct {
	Dim       int       `json:"dim"`
	Metric    Metric    `json:"metric"`
	Algorithm Algorithm `json:"algorithm"`
	Count     int       `json:"count"`
}

// Save writes meta.txt, labels.txt, and index.bin into cfg.AutoSavePath
// (spec §4.5). Tombstoned pks are physically dropped from the backend at
// this point.
func (m *Manager) Save(ns string) error {
	n, err := m.namespaceOrErr(ns)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cfg.AutoSavePath == "" {
		return fmt.Errorf("%w: namespace %q has no auto_save_path configured", kverr.ErrInvalidArgument, ns)
	}
	for pk := range n.removed {
		n.backend.remove(pk)
	}
	n.removed = make(map[string]bool)

	if err := os.MkdirAll(n.cfg.AutoSavePath, 0o755); err != nil {
		return fmt.Errorf("%w: save mkdir: %v", kverr.ErrUnavailable, err)
	}

	vectors := n.backend.all()
	labels := make([]string, 0, len(vectors))
	for pk := range vectors {
		labels = append(labels, pk)
	}
	sort.Strings(labels)

	meta := indexMeta{Dim: n.dim, Metric: n.cfg.Metric, Algorithm: n.cfg.Algorithm, Count: len(labels)}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: marshal meta: %v", kverr.ErrUnavailable, err)
	}
	if err := os.WriteFile(filepath.Join(n.cfg.AutoSavePath, "meta.txt"), metaBytes, 0o644); err != nil {
		return fmt.Errorf("%w: write meta.txt: %v", kverr.ErrUnavailable, err)
	}

	labelFile, err := os.Create(filepath.Join(n.cfg.AutoSavePath, "labels.txt"))
	if err != nil {
		return fmt.Errorf("%w: create labels.txt: %v", kverr.ErrUnavailable, err)
	}
	w := bufio.NewWriter(labelFile)
	for _, pk := range labels {
		fmt.Fprintln(w, pk)
	}
	if err := w.Flush(); err != nil {
		labelFile.Close()
		return fmt.Errorf("%w: flush labels.txt: %v", kverr.ErrUnavailable, err)
	}
	labelFile.Close()

	binFile, err := os.Create(filepath.Join(n.cfg.AutoSavePath, "index.bin"))
	if err != nil {
		return fmt.Errorf("%w: create index.bin: %v", kverr.ErrUnavailable, err)
	}
	defer binFile.Close()
	bw := bufio.NewWriter(binFile)
	for _, pk := range labels {
		vec := vectors[pk]
		for _, f := range vec {
			if err := binary.Write(bw, binary.LittleEndian, math.Float32bits(f)); err != nil {
				return fmt.Errorf("%w: write index.bin: %v", kverr.ErrUnavailable, err)
			}
		}
	}
	return bw.Flush()
}

// Load rebuilds a namespace's in-memory backend from meta.txt/labels.txt/
// index.bin, failing with Corruption if the three files are mutually
// inconsistent (spec §4.5).
func (m *Manager) Load(ctx context.Context, ns string, cfg Config) error {
	if cfg.AutoSavePath == "" {
		return fmt.Errorf("%w: no auto_save_path configured for %q", kverr.ErrInvalidArgument, ns)
	}
	metaBytes, err := os.ReadFile(filepath.Join(cfg.AutoSavePath, "meta.txt"))
	if err != nil {
		return fmt.Errorf("%w: read meta.txt: %v", kverr.ErrUnavailable, err)
	}
	var meta indexMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("%w: parse meta.txt: %v", kverr.ErrCorruption, err)
	}

	labelBytes, err := os.ReadFile(filepath.Join(cfg.AutoSavePath, "labels.txt"))
	if err != nil {
		return fmt.Errorf("%w: read labels.txt: %v", kverr.ErrUnavailable, err)
	}
	labels := splitNonEmptyLines(string(labelBytes))
	if len(labels) != meta.Count {
		return fmt.Errorf("%w: labels.txt has %d entries, meta.txt says %d", kverr.ErrCorruption, len(labels), meta.Count)
	}

	binBytes, err := os.ReadFile(filepath.Join(cfg.AutoSavePath, "index.bin"))
	if err != nil {
		return fmt.Errorf("%w: read index.bin: %v", kverr.ErrUnavailable, err)
	}
	wantBytes := meta.Count * meta.Dim * 4
	if len(binBytes) != wantBytes {
		return fmt.Errorf("%w: index.bin has %d bytes, want %d for %d vectors of dim %d", kverr.ErrCorruption, len(binBytes), wantBytes, meta.Count, meta.Dim)
	}

	cfg.Metric = meta.Metric
	cfg.Algorithm = meta.Algorithm
	n := newNamespace(meta.Dim, cfg)
	for i, pk := range labels {
		vec := make([]float32, meta.Dim)
		base := i * meta.Dim * 4
		for d := 0; d < meta.Dim; d++ {
			bits := binary.LittleEndian.Uint32(binBytes[base+d*4 : base+d*4+4])
			vec[d] = math.Float32frombits(bits)
		}
		n.backend.add(pk, vec)
	}

	m.mu.Lock()
	m.namespaces[ns] = n
	m.mu.Unlock()
	return nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	return out
}

// rebuiltRow is one successfully-parsed stored vector, ready to insert.
type rebuiltRow struct {
	pk  string
	vec []float32
}

// RebuildFromStorage rescans the `vector:<namespace>:` key range and
// re-adds every stored vector, discarding any in-memory tombstones (spec
// §4.5, used after a CorruptIndex from Load). The scan itself is
// sequential (the underlying iterator is not safe for concurrent use),
// but each row's key/value decode is independent of every other row's,
// so decoding is fanned out across an errgroup worker pool while the
// (non-concurrent-safe) backend insertion stays on the calling
// goroutine, in scan order, for deterministic rebuild results.
func (m *Manager) RebuildFromStorage(ctx context.Context, ns string, cfg Config) error {
	m.mu.Lock()
	existing, ok := m.namespaces[ns]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: namespace %q not initialized", kverr.ErrNotFound, ns)
	}
	n := newNamespace(existing.dim, cfg)
	m.namespaces[ns] = n
	m.mu.Unlock()

	it, err := m.engine.IterPrefix(ctx, cfVector, keyschema.VectorNamespacePrefix(ns))
	if err != nil {
		return err
	}
	defer it.Close()

	type rawRow struct{ key, value []byte }
	var raw []rawRow
	for it.Next() {
		raw = append(raw, rawRow{key: append([]byte(nil), it.KV().Key...), value: append([]byte(nil), it.KV().Value...)})
	}

	decoded := make([]*rebuiltRow, len(raw))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, r := range raw {
		i, r := i, r
		g.Go(func() error {
			_, pk, err := keyschema.ParseVector(r.key)
			if err != nil {
				return nil
			}
			vec, err := decodeVectorRow(r.value)
			if err != nil {
				return nil
			}
			decoded[i] = &rebuiltRow{pk: pk, vec: vec}
			return nil
		})
	}
	_ = g.Wait() // per-row errors are swallowed above, matching the prior skip-on-decode-error behavior

	for _, row := range decoded {
		if row == nil {
			continue
		}
		n.backend.add(row.pk, n.prepare(row.vec))
	}
	return nil
}
