package usagedb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/credmux/credmux/pkg/logutil"
)

const (
	defaultRawRetention    = 7 * 24 * time.Hour
	defaultRollupRetention = 90 * 24 * time.Hour
	defaultSegmentMaxAge   = 6 * time.Hour
	rollupSlot             = 5 * time.Minute
	compactMinInterval     = 30 * time.Second
)

// Event is one completed gateway request, attributed to the upstream
// credential that served it and the API key that asked for it.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Format           string    `json:"format,omitempty"`
	APIKeyName       string    `json:"api_key_name,omitempty"`
	CredentialID     int64     `json:"credential_id,omitempty"`
	StatusCode       int       `json:"status_code"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
}

// Bucket is a 5-minute rollup of events sharing the same attribution.
type Bucket struct {
	StartAt          time.Time `json:"start_at"`
	SlotSeconds      int       `json:"slot_seconds"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Format           string    `json:"format,omitempty"`
	APIKeyName       string    `json:"api_key_name,omitempty"`
	CredentialID     int64     `json:"credential_id,omitempty"`
	Requests         int       `json:"requests"`
	FailedRequests   int       `json:"failed_requests,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMSSum     int64     `json:"latency_ms_sum"`
}

type Summary struct {
	PeriodSeconds         int64
	Requests              int
	FailedRequests        int
	PromptTokens          int
	CompletionTokens      int
	TotalTokens           int
	AvgLatencyMS          float64
	RequestsPerProvider   map[string]int
	RequestsPerModel      map[string]int
	RequestsPerAPIKeyName map[string]int
	RequestsPerCredential map[int64]int
	TokensPerCredential   map[int64]int
	Buckets               []Bucket
}

type Settings struct {
	RawRetention    time.Duration
	RollupRetention time.Duration
	SegmentMaxAge   time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.RawRetention <= 0 {
		s.RawRetention = defaultRawRetention
	}
	if s.RollupRetention <= 0 {
		s.RollupRetention = defaultRollupRetention
	}
	if s.SegmentMaxAge <= 0 {
		s.SegmentMaxAge = defaultSegmentMaxAge
	}
	return s
}

type storeLogger interface {
	Warn(msg any, kv ...any)
	Info(msg any, kv ...any)
}

// Store journals events into hourly zstd segments and compacts aged
// segments into 5-minute rollup buckets.
type Store struct {
	mu          sync.Mutex
	dir         string
	settings    Settings
	writer      *segmentWriter
	writerDir   string
	lastCompact time.Time
	log         storeLogger
}

func New(dir string) *Store {
	return NewWithSettings(dir, Settings{})
}

func NewWithSettings(dir string, settings Settings) *Store {
	if strings.TrimSpace(dir) == "" {
		dir = "usage"
	}
	s := &Store{dir: dir, settings: settings.withDefaults(), log: logutil.Component("usagedb")}
	_ = os.MkdirAll(dir, 0o700)
	return s
}

func (s *Store) Append(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	} else {
		evt.Timestamp = evt.Timestamp.UTC()
	}
	evt.APIKeyName = strings.TrimSpace(evt.APIKeyName)

	if err := s.openWriterLocked(evt.Timestamp); err != nil {
		return err
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := s.writer.writeLine(line, evt.Timestamp); err != nil {
		return err
	}
	if time.Since(s.writer.openedAt) >= s.settings.SegmentMaxAge {
		return s.closeWriterLocked()
	}
	return nil
}

// Flush seals the open segment so readers can see it.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeWriterLocked()
}

// Summary aggregates the last period of usage. Compaction piggybacks on
// reads, at most once per compactMinInterval.
func (s *Store) Summary(period time.Duration, now time.Time) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if err := s.compactLocked(now); err != nil {
		return Summary{}, err
	}

	cutoff := now.Add(-period)
	sum := Summary{
		PeriodSeconds:         int64(period.Seconds()),
		RequestsPerProvider:   map[string]int{},
		RequestsPerModel:      map[string]int{},
		RequestsPerAPIKeyName: map[string]int{},
		RequestsPerCredential: map[int64]int{},
		TokensPerCredential:   map[int64]int{},
	}
	bucketMap := map[string]*Bucket{}

	add := func(b Bucket) {
		if b.Requests <= 0 {
			return
		}
		slot := time.Duration(b.SlotSeconds) * time.Second
		if slot <= 0 {
			slot = rollupSlot
		}
		if b.StartAt.Add(slot).Before(cutoff) {
			return
		}
		sum.Requests += b.Requests
		sum.FailedRequests += b.FailedRequests
		sum.PromptTokens += b.PromptTokens
		sum.CompletionTokens += b.CompletionTokens
		sum.TotalTokens += b.TotalTokens
		sum.AvgLatencyMS += float64(b.LatencyMSSum)
		sum.RequestsPerProvider[b.Provider] += b.Requests
		sum.RequestsPerModel[b.Model] += b.Requests
		if b.APIKeyName != "" {
			sum.RequestsPerAPIKeyName[b.APIKeyName] += b.Requests
		}
		if b.CredentialID != 0 {
			sum.RequestsPerCredential[b.CredentialID] += b.Requests
			sum.TokensPerCredential[b.CredentialID] += b.TotalTokens
		}
		mergeBucket(bucketMap, normalizeBucketSlot(b))
	}

	if err := s.readBuckets(filepath.Join(s.dir, "rollup"), cutoff, now, add); err != nil {
		return Summary{}, err
	}
	if err := s.readEvents(filepath.Join(s.dir, "raw"), cutoff, now, func(e Event) {
		add(eventToBucket(e))
	}); err != nil {
		return Summary{}, err
	}

	sum.Buckets = mapToSortedBuckets(bucketMap)
	if sum.Requests > 0 {
		sum.AvgLatencyMS /= float64(sum.Requests)
	}
	return sum, nil
}

func (s *Store) Compact(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.compactLocked(now.UTC())
}

func (s *Store) compactLocked(now time.Time) error {
	if !s.lastCompact.IsZero() && now.Sub(s.lastCompact) < compactMinInterval {
		return nil
	}
	if err := s.closeWriterLocked(); err != nil {
		return err
	}

	cutoff := now.Add(-s.settings.RawRetention)
	segs, err := listSegments(filepath.Join(s.dir, "raw"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	var aged []segmentMeta
	for _, seg := range segs {
		if seg.max.Before(cutoff) {
			aged = append(aged, seg)
		}
	}
	if len(aged) > 0 {
		agg := map[string]*Bucket{}
		for _, seg := range aged {
			err := scanLines(seg.path, func(line []byte) {
				var evt Event
				if json.Unmarshal(line, &evt) == nil {
					mergeBucket(agg, eventToBucket(evt))
				}
			})
			if err != nil {
				return err
			}
		}
		if err := s.writeRollupLocked(mapToSortedBuckets(agg)); err != nil {
			return err
		}
		for _, seg := range aged {
			_ = os.Remove(seg.path)
		}
		s.log.Info("compacted raw usage segments", "segments", len(aged), "buckets", len(agg))
	}

	rollCutoff := now.Add(-s.settings.RollupRetention)
	rollSegs, err := listSegments(filepath.Join(s.dir, "rollup"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	pruned := 0
	for _, seg := range rollSegs {
		if seg.max.Before(rollCutoff) {
			_ = os.Remove(seg.path)
			pruned++
		}
	}
	if pruned > 0 {
		s.log.Info("pruned usage rollups", "segments", pruned)
	}
	s.lastCompact = now
	return nil
}

func (s *Store) readEvents(root string, from, to time.Time, fn func(Event)) error {
	return s.readSegments(root, from, to, func(line []byte) {
		var evt Event
		if json.Unmarshal(line, &evt) != nil {
			return
		}
		ts := evt.Timestamp.UTC()
		if ts.Before(from) || !ts.Before(to) {
			return
		}
		fn(evt)
	})
}

func (s *Store) readBuckets(root string, from, to time.Time, fn func(Bucket)) error {
	return s.readSegments(root, from, to, func(line []byte) {
		var b Bucket
		if json.Unmarshal(line, &b) != nil {
			return
		}
		if !b.StartAt.UTC().Before(to) {
			return
		}
		fn(b)
	})
}

func (s *Store) readSegments(root string, from, to time.Time, fn func([]byte)) error {
	segs, err := listSegments(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, seg := range segs {
		if !to.IsZero() && !seg.min.Before(to) {
			continue
		}
		if !from.IsZero() && seg.max.Before(from) {
			continue
		}
		if err := scanLines(seg.path, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) openWriterLocked(ts time.Time) error {
	hourDir := filepath.Join(s.dir, "raw", ts.Format("2006"), ts.Format("01"), ts.Format("02"), ts.Format("15"))
	if s.writer != nil && s.writerDir == hourDir {
		return nil
	}
	if err := s.closeWriterLocked(); err != nil {
		return err
	}
	w, err := newSegmentWriter(hourDir)
	if err != nil {
		return err
	}
	s.writer = w
	s.writerDir = hourDir
	return nil
}

func (s *Store) closeWriterLocked() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.close()
	s.writer = nil
	s.writerDir = ""
	return err
}

func (s *Store) writeRollupLocked(buckets []Bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	byDay := map[string][]Bucket{}
	for _, b := range buckets {
		day := b.StartAt.UTC().Format("2006/01/02")
		byDay[day] = append(byDay[day], b)
	}
	for day, items := range byDay {
		w, err := newSegmentWriter(filepath.Join(s.dir, "rollup", day))
		if err != nil {
			return err
		}
		for _, b := range items {
			line, err := json.Marshal(b)
			if err != nil {
				_ = w.close()
				return err
			}
			if err := w.writeLine(line, b.StartAt); err != nil {
				_ = w.close()
				return err
			}
		}
		if err := w.close(); err != nil {
			return err
		}
	}
	return nil
}

// segmentWriter writes newline-delimited JSON through a zstd encoder into
// a temp file, renamed on close to <min>-<max>-<seq>.jsonl.zst.
type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	minTs    time.Time
	maxTs    time.Time
	count    int
	openedAt time.Time
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	seq := time.Now().UTC().UnixNano()
	tmp := filepath.Join(dir, fmt.Sprintf("open-%d.jsonl.zst.tmp", seq))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{pathTmp: tmp, dir: dir, seq: seq, file: f, enc: enc, openedAt: time.Now().UTC()}, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	if _, err := w.enc.Write(line); err != nil {
		return err
	}
	if _, err := w.enc.Write([]byte("\n")); err != nil {
		return err
	}
	if w.minTs.IsZero() || ts.Before(w.minTs) {
		w.minTs = ts
	}
	if w.maxTs.IsZero() || ts.After(w.maxTs) {
		w.maxTs = ts
	}
	w.count++
	return nil
}

func (w *segmentWriter) close() error {
	if w == nil {
		return nil
	}
	if w.enc != nil {
		_ = w.enc.Close()
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d.jsonl.zst", w.minTs.UTC().Unix(), w.maxTs.UTC().Unix(), w.seq))
	return os.Rename(w.pathTmp, final)
}

type segmentMeta struct {
	path string
	min  time.Time
	max  time.Time
}

func listSegments(root string) ([]segmentMeta, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, os.ErrNotExist
	}
	var out []segmentMeta
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".jsonl.zst") || strings.HasPrefix(name, "open-") {
			return nil
		}
		parts := strings.SplitN(strings.TrimSuffix(name, ".jsonl.zst"), "-", 3)
		if len(parts) < 3 {
			return nil
		}
		minUnix, err1 := strconv.ParseInt(parts[0], 10, 64)
		maxUnix, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		out = append(out, segmentMeta{path: path, min: time.Unix(minUnix, 0).UTC(), max: time.Unix(maxUnix, 0).UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].min.Equal(out[j].min) {
			return out[i].path < out[j].path
		}
		return out[i].min.Before(out[j].min)
	})
	return out, nil
}

func scanLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) > 0 {
			fn(line)
		}
	}
	return sc.Err()
}

func eventToBucket(e Event) Bucket {
	return Bucket{
		StartAt:          e.Timestamp.UTC().Truncate(rollupSlot),
		SlotSeconds:      int(rollupSlot.Seconds()),
		Provider:         e.Provider,
		Model:            e.Model,
		Format:           e.Format,
		APIKeyName:       strings.TrimSpace(e.APIKeyName),
		CredentialID:     e.CredentialID,
		Requests:         1,
		FailedRequests:   boolToInt(e.StatusCode >= 400),
		PromptTokens:     e.PromptTokens,
		CompletionTokens: e.CompletionTokens,
		TotalTokens:      e.TotalTokens,
		LatencyMSSum:     e.LatencyMS,
	}
}

func normalizeBucketSlot(b Bucket) Bucket {
	b.StartAt = b.StartAt.UTC().Truncate(rollupSlot)
	b.SlotSeconds = int(rollupSlot.Seconds())
	return b
}

func mergeBucket(dst map[string]*Bucket, b Bucket) {
	k := bucketKey(b)
	x := dst[k]
	if x == nil {
		c := b
		dst[k] = &c
		return
	}
	x.Requests += b.Requests
	x.FailedRequests += b.FailedRequests
	x.PromptTokens += b.PromptTokens
	x.CompletionTokens += b.CompletionTokens
	x.TotalTokens += b.TotalTokens
	x.LatencyMSSum += b.LatencyMSSum
}

func mapToSortedBuckets(m map[string]*Bucket) []Bucket {
	out := make([]Bucket, 0, len(m))
	for _, b := range m {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.StartAt.Equal(b.StartAt) {
			if a.Provider == b.Provider {
				if a.Model == b.Model {
					return a.CredentialID < b.CredentialID
				}
				return a.Model < b.Model
			}
			return a.Provider < b.Provider
		}
		return a.StartAt.Before(b.StartAt)
	})
	return out
}

func bucketKey(b Bucket) string {
	return b.StartAt.UTC().Format(time.RFC3339) + "|" + b.Provider + "|" + b.Model + "|" + b.Format + "|" + b.APIKeyName + "|" + strconv.FormatInt(b.CredentialID, 10)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
