package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultVectorDims   = 1536
	similarityThreshold = 0.12
	maxSearchResults    = 20
)

// MemoryRecord is a long-lived, vector-indexed memory entry.
type MemoryRecord struct {
	ID           string
	Text         string
	MemoryType   string
	SourceConv   string
	Embedding    []float32
	CreatedAt    int64
	LastAccessed int64
	AccessCount  int64
}

// scoredMemory pairs a record with a similarity distance for ranking.
type scoredMemory struct {
	record   MemoryRecord
	distance float32
}

// MemoryIndex stores long-term memory records with vector similarity
// search. It prefers a RediSearch HNSW index (FT.CREATE/FT.SEARCH) and
// transparently falls back to a brute-force cosine scan when the
// RediSearch module is unavailable, detected from an "unknown
// command"/"module" error returned by FT.CREATE.
type MemoryIndex struct {
	client *redis.Client
	prefix string
	dims   int

	indexAvailable atomic.Bool

	stores     atomic.Int64
	hits       atomic.Int64
	queries    atomic.Int64
	duplicates atomic.Int64
}

func NewMemoryIndex(client *redis.Client, prefix string, dims int) *MemoryIndex {
	if dims <= 0 {
		dims = defaultVectorDims
	}
	return &MemoryIndex{client: client, prefix: prefix, dims: dims}
}

// Start attempts to create the RediSearch HNSW index. On any error
// suggesting the module isn't loaded, it disables index-backed search
// and relies on the brute-force fallback for the lifetime of the
// process.
func (m *MemoryIndex) Start(ctx context.Context) error {
	err := m.client.Do(ctx, "FT.CREATE", memIndexName(m.prefix),
		"ON", "HASH",
		"PREFIX", "1", memPattern(m.prefix),
		"SCHEMA",
		"text", "TEXT",
		"memory_type", "TAG",
		"source_conv", "TAG",
		"embedding", "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(m.dims),
		"DISTANCE_METRIC", "COSINE",
	).Err()

	if err != nil {
		low := strings.ToLower(err.Error())
		if strings.Contains(low, "unknown command") || strings.Contains(low, "module") ||
			strings.Contains(low, "index already exists") {
			if strings.Contains(low, "already exists") {
				m.indexAvailable.Store(true)
				log.Printf("MemoryIndex started: reusing existing RediSearch index")
				return nil
			}
			m.indexAvailable.Store(false)
			log.Printf("MemoryIndex started: RediSearch unavailable, using brute-force scan fallback: %v", err)
			return nil
		}
		return err
	}

	m.indexAvailable.Store(true)
	log.Printf("MemoryIndex started: dims=%d index=%s", m.dims, memIndexName(m.prefix))
	return nil
}

func floatVectorToBytes(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func bytesToFloatVector(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// contentHash is a sha256 of the stripped, lowercased text, truncated
// to 32 hex characters.
func contentHash(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:32]
}

func cosineDistance(a, b []float32) float32 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return float32(1 - similarity)
}

// Store dedups a new memory in three stages (explicit id match, content
// hash match, then, if the vector index is available, a 1-NN distance
// check below similarityThreshold) before writing a new hash record.
// Returns the newly created memory id, or "" with a nil error when
// deduplicated against an existing record (whose access count is bumped
// instead).
func (m *MemoryIndex) Store(ctx context.Context, rec MemoryRecord) (string, error) {
	if len(rec.Embedding) != m.dims {
		return "", ErrDimMismatch
	}

	if rec.ID != "" {
		exists, err := m.client.Exists(ctx, memKey(m.prefix, rec.ID)).Result()
		if err != nil {
			return "", err
		}
		if exists > 0 {
			m.touch(ctx, rec.ID)
			m.duplicates.Add(1)
			return "", nil
		}
	}

	// memHashesKey is a sorted set keyed by content hash (score = created_at,
	// for recency ordering); the parallel ":map" hash carries hash -> id,
	// since a sorted set alone can't hold a string value.
	hash := contentHash(rec.Text)
	if existingID, err := m.client.HGet(ctx, memHashesKey(m.prefix)+":map", hash).Result(); err == nil && existingID != "" {
		m.touch(ctx, existingID)
		m.duplicates.Add(1)
		return "", nil
	}

	if m.indexAvailable.Load() {
		matches, err := m.Search(ctx, rec.Embedding, 1, "", "")
		if err == nil && len(matches) > 0 && matches[0].distance < similarityThreshold {
			m.touch(ctx, matches[0].record.ID)
			m.duplicates.Add(1)
			return "", nil
		}
	}

	id := rec.ID
	if id == "" {
		id = "mem-" + contentHash(rec.Text+strconv.FormatInt(time.Now().UnixNano(), 10))[:12]
	}
	now := time.Now().Unix()

	fields := map[string]any{
		"text":          rec.Text,
		"memory_type":   rec.MemoryType,
		"source_conv":   rec.SourceConv,
		"embedding":     floatVectorToBytes(rec.Embedding),
		"created_at":    now,
		"last_accessed": now,
		"access_count":  0,
	}

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, memKey(m.prefix, id), fields)
	pipe.ZAdd(ctx, memHashesKey(m.prefix), redis.Z{Score: float64(now), Member: hash})
	pipe.HSet(ctx, memHashesKey(m.prefix)+":map", hash, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}

	m.stores.Add(1)
	return id, nil
}

func (m *MemoryIndex) touch(ctx context.Context, id string) {
	pipe := m.client.Pipeline()
	pipe.HIncrBy(ctx, memKey(m.prefix, id), "access_count", 1)
	pipe.HSet(ctx, memKey(m.prefix, id), "last_accessed", time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("MemoryIndex: touch failed for %s: %v", id, err)
	}
}

// Search returns up to limit memories ranked by ascending cosine
// distance to query, optionally filtered by memoryType/sourceConv. It
// uses FT.SEARCH's KNN clause when the index is available, falling back
// to a brute-force scan otherwise.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, limit int, memoryType, sourceConv string) ([]scoredMemory, error) {
	m.queries.Add(1)
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}

	if m.indexAvailable.Load() {
		results, err := m.ftSearch(ctx, query, limit, memoryType, sourceConv)
		if err == nil {
			if len(results) > 0 {
				m.hits.Add(1)
			}
			return results, nil
		}
		log.Printf("MemoryIndex: FT.SEARCH failed, falling back to scan: %v", err)
	}

	results, err := m.scanSearch(ctx, query, limit, memoryType, sourceConv)
	if err == nil && len(results) > 0 {
		m.hits.Add(1)
	}
	return results, err
}

func (m *MemoryIndex) ftSearch(ctx context.Context, query []float32, limit int, memoryType, sourceConv string) ([]scoredMemory, error) {
	filter := "*"
	var clauses []string
	if memoryType != "" {
		clauses = append(clauses, fmt.Sprintf("@memory_type:{%s}", memoryType))
	}
	if sourceConv != "" {
		clauses = append(clauses, fmt.Sprintf("@source_conv:{%s}", sourceConv))
	}
	if len(clauses) > 0 {
		filter = strings.Join(clauses, " ")
	}

	q := fmt.Sprintf("(%s)=>[KNN %d @embedding $vec AS dist]", filter, limit)

	reply, err := m.client.Do(ctx, "FT.SEARCH", memIndexName(m.prefix), q,
		"PARAMS", "2", "vec", floatVectorToBytes(query),
		"SORTBY", "dist",
		"DIALECT", "2",
	).Result()
	if err != nil {
		return nil, err
	}
	return parseFTSearchReply(reply)
}

// parseFTSearchReply decodes FT.SEARCH's flat reply array: [total,
// docID1, fields1, docID2, fields2, ...].
func parseFTSearchReply(reply any) ([]scoredMemory, error) {
	rows, ok := reply.([]any)
	if !ok || len(rows) < 1 {
		return nil, nil
	}
	var results []scoredMemory
	for i := 1; i+1 < len(rows); i += 2 {
		docID, _ := rows[i].(string)
		fieldList, _ := rows[i+1].([]any)
		fields := make(map[string]string, len(fieldList)/2)
		for j := 0; j+1 < len(fieldList); j += 2 {
			k, _ := fieldList[j].(string)
			v, _ := fieldList[j+1].(string)
			fields[k] = v
		}
		rec := MemoryRecord{ID: lastSegment(docID)}
		rec.Text = fields["text"]
		rec.MemoryType = fields["memory_type"]
		rec.SourceConv = fields["source_conv"]
		dist, _ := strconv.ParseFloat(fields["dist"], 32)
		results = append(results, scoredMemory{record: rec, distance: float32(dist)})
	}
	return results, nil
}

func lastSegment(key string) string {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return key
	}
	return key[idx+1:]
}

// scanSearch is the brute-force fallback: scan every memory hash,
// decode its embedding, and rank by cosine distance. O(n), acceptable
// for the working set sizes this component targets. A future cap on
// the number of hashes scanned per call is a reasonable improvement but
// is not implemented here.
// TODO: cap hashes scanned per call once working sets grow past a few
// thousand records.
func (m *MemoryIndex) scanSearch(ctx context.Context, query []float32, limit int, memoryType, sourceConv string) ([]scoredMemory, error) {
	var results []scoredMemory
	iter := m.client.Scan(ctx, 0, memPattern(m.prefix), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":map") {
			continue
		}
		data, err := m.client.HGetAll(ctx, key).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		if memoryType != "" && data["memory_type"] != memoryType {
			continue
		}
		if sourceConv != "" && data["source_conv"] != sourceConv {
			continue
		}
		embRaw, err := m.client.HGet(ctx, key, "embedding").Bytes()
		if err != nil {
			continue
		}
		emb := bytesToFloatVector(embRaw)
		dist := cosineDistance(query, emb)
		rec := m.parseRecord(lastSegment(key), data)
		rec.Embedding = emb
		results = append(results, scoredMemory{record: rec, distance: dist})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sortByDistance(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func sortByDistance(results []scoredMemory) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].distance < results[j-1].distance; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func (m *MemoryIndex) parseRecord(id string, data map[string]string) MemoryRecord {
	createdAt, _ := strconv.ParseInt(data["created_at"], 10, 64)
	lastAccessed, _ := strconv.ParseInt(data["last_accessed"], 10, 64)
	accessCount, _ := strconv.ParseInt(data["access_count"], 10, 64)
	return MemoryRecord{
		ID:           id,
		Text:         data["text"],
		MemoryType:   data["memory_type"],
		SourceConv:   data["source_conv"],
		CreatedAt:    createdAt,
		LastAccessed: lastAccessed,
		AccessCount:  accessCount,
	}
}

// GetMemory fetches a single record by id, or (nil, nil) if absent.
func (m *MemoryIndex) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	data, err := m.client.HGetAll(ctx, memKey(m.prefix, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	rec := m.parseRecord(id, data)
	return &rec, nil
}

// DeleteMemory removes a memory record and its content-hash index entry.
func (m *MemoryIndex) DeleteMemory(ctx context.Context, id string) error {
	rec, err := m.GetMemory(ctx, id)
	if err != nil || rec == nil {
		return err
	}
	hash := contentHash(rec.Text)
	pipe := m.client.Pipeline()
	pipe.Del(ctx, memKey(m.prefix, id))
	pipe.ZRem(ctx, memHashesKey(m.prefix), hash)
	pipe.HDel(ctx, memHashesKey(m.prefix)+":map", hash)
	_, err = pipe.Exec(ctx)
	return err
}

// CountMemories reports the total number of stored memory records.
func (m *MemoryIndex) CountMemories(ctx context.Context) (int64, error) {
	var count int64
	iter := m.client.Scan(ctx, 0, memPattern(m.prefix), 200).Iterator()
	for iter.Next(ctx) {
		if !strings.HasSuffix(iter.Val(), ":map") {
			count++
		}
	}
	return count, iter.Err()
}

// GetMemoryTypes returns the distinct memory_type values seen across
// stored records, with counts.
func (m *MemoryIndex) GetMemoryTypes(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	iter := m.client.Scan(ctx, 0, memPattern(m.prefix), 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":map") {
			continue
		}
		t, err := m.client.HGet(ctx, key, "memory_type").Result()
		if err != nil {
			continue
		}
		counts[t]++
	}
	return counts, iter.Err()
}

// GetRecentMemories returns up to limit memories ordered by content-hash
// insertion score, most recent first. This mirrors the reference's use
// of memHashesKey as a timeline index.
func (m *MemoryIndex) GetRecentMemories(ctx context.Context, limit int64) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	hashes, err := m.client.ZRevRange(ctx, memHashesKey(m.prefix), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	var out []MemoryRecord
	for _, hash := range hashes {
		id, err := m.client.HGet(ctx, memHashesKey(m.prefix)+":map", hash).Result()
		if err != nil {
			continue
		}
		rec, err := m.GetMemory(ctx, id)
		if err == nil && rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// MemoryIndexStats summarizes MemoryIndex activity for status reporting.
type MemoryIndexStats struct {
	Stores         int64
	Queries        int64
	Hits           int64
	Duplicates     int64
	IndexAvailable bool
}

func (m *MemoryIndex) GetStats() MemoryIndexStats {
	return MemoryIndexStats{
		Stores:         m.stores.Load(),
		Queries:        m.queries.Load(),
		Hits:           m.hits.Load(),
		Duplicates:     m.duplicates.Load(),
		IndexAvailable: m.indexAvailable.Load(),
	}
}

// GetIndexInfo reports FT.INFO for the configured index, or a
// degraded-mode description when the RediSearch module is unavailable.
func (m *MemoryIndex) GetIndexInfo(ctx context.Context) (map[string]any, error) {
	if !m.indexAvailable.Load() {
		return map[string]any{"available": false, "mode": "brute_force_scan"}, nil
	}
	reply, err := m.client.Do(ctx, "FT.INFO", memIndexName(m.prefix)).Result()
	if err != nil {
		return map[string]any{"available": false, "error": err.Error()}, nil
	}
	info := map[string]any{"available": true}
	if rows, ok := reply.([]any); ok {
		for i := 0; i+1 < len(rows); i += 2 {
			k, _ := rows[i].(string)
			info[k] = rows[i+1]
		}
	}
	return info, nil
}
