package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"
)

// Qdrant point IDs must be UUIDs or integers, so chunk ids are mapped to
// deterministic UUIDs and the original id is kept in the payload.
const payloadIDField = "_original_id"

// payload fields stored outside the caller metadata
const (
	payloadTextField    = "_content"
	payloadSHAField     = "sha256"
	payloadDocField     = "doc_id"
	payloadOrdinalField = "_ordinal"
)

// QdrantStore is an alternative Store backend over Qdrant's gRPC API.
// Each logical collection maps to one Qdrant collection, created lazily
// with cosine distance and the configured HNSW build parameters.
type QdrantStore struct {
	client *qdrant.Client
	cfg    PgConfig
	log    zerolog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewQdrantStore connects to Qdrant. The Go client uses the gRPC API
// (port 6334 by default); an api_key query parameter is honored.
func NewQdrantStore(dsn string, cfg PgConfig, log zerolog.Logger) (*QdrantStore, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, storeErr("parse qdrant dsn", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, storeErr("parse qdrant port", err)
	}
	qcfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		qcfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		qcfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, storeErr("connect qdrant", err)
	}
	return &QdrantStore{
		client:  client,
		cfg:     cfg,
		log:     log.With().Str("component", "qdrant").Logger(),
		ensured: make(map[string]bool),
	}, nil
}

func (q *QdrantStore) ensureCollection(ctx context.Context, collection string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensured[collection] {
		return nil
	}
	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return storeErr("collection exists", err)
	}
	if !exists {
		if q.cfg.Dimension <= 0 {
			return storeErr("create collection", fmt.Errorf("qdrant requires dimension > 0"))
		}
		m := uint64(q.cfg.HNSWM)
		efc := uint64(q.cfg.HNSWEfConstruction)
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.cfg.Dimension),
				Distance: qdrant.Distance_Cosine,
			}),
			HnswConfig: &qdrant.HnswConfigDiff{M: &m, EfConstruct: &efc},
		})
		if err != nil {
			return storeErr("create collection", err)
		}
	}
	q.ensured[collection] = true
	return nil
}

func pointID(chunkID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String())
}

func (q *QdrantStore) UpsertBatch(ctx context.Context, recs []Record, collection string) error {
	if len(recs) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx, collection); err != nil {
		return err
	}
	points := make([]*qdrant.PointStruct, 0, len(recs))
	for _, r := range recs {
		payload := make(map[string]any, len(r.Payload)+4)
		for k, v := range r.Payload {
			payload[k] = v
		}
		payload[payloadIDField] = r.ID
		payload[payloadTextField] = r.Text
		payload[payloadSHAField] = r.SHA256
		payload[payloadDocField] = r.DocID
		payload[payloadOrdinalField] = int64(r.Ordinal)
		vec := append([]float32(nil), r.Vector...)
		points = append(points, &qdrant.PointStruct{
			Id:      pointID(r.ID),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           &wait,
	})
	return storeErr("upsert batch", err)
}

func (q *QdrantStore) buildFilter(filters map[string]any) *qdrant.Filter {
	if len(filters) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(filters))
	for k, v := range filters {
		if v == nil {
			continue
		}
		must = append(must, qdrant.NewMatch(k, fmt.Sprint(v)))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func (q *QdrantStore) Query(ctx context.Context, req QueryRequest) ([]Hit, error) {
	if err := q.ensureCollection(ctx, req.Collection); err != nil {
		return nil, err
	}
	k := req.TopK
	if k <= 0 {
		k = 10
	}
	limit := uint64(k)
	query := &qdrant.QueryPoints{
		CollectionName: req.Collection,
		Query:          qdrant.NewQueryDense(append([]float32(nil), req.Vector...)),
		Limit:          &limit,
		Filter:         q.buildFilter(req.Filters),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if req.WithVectors {
		query.WithVectors = qdrant.NewWithVectors(true)
	}
	if req.EfSearch > 0 {
		ef := uint64(req.EfSearch)
		query.Params = &qdrant.SearchParams{HnswEf: &ef}
	}
	scored, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, storeErr("query", err)
	}
	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		h := Hit{Score: float64(sp.Score), Payload: make(map[string]any)}
		for key, val := range sp.Payload {
			switch key {
			case payloadIDField:
				h.ID = val.GetStringValue()
			case payloadTextField:
				h.Text = val.GetStringValue()
			case payloadSHAField:
				h.SHA256 = val.GetStringValue()
			case payloadDocField:
				h.DocID = val.GetStringValue()
				h.Payload[payloadDocField] = h.DocID
			case payloadOrdinalField:
				h.Ordinal = int(val.GetIntegerValue())
			default:
				h.Payload[key] = valueToAny(val)
			}
		}
		if h.ID == "" {
			h.ID = ChunkID(h.DocID, h.Ordinal)
		}
		if req.WithVectors {
			if v := sp.Vectors.GetVector(); v != nil {
				h.Vector = v.GetData()
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func (q *QdrantStore) Count(ctx context.Context, collection string) (int64, error) {
	if err := q.ensureCollection(ctx, collection); err != nil {
		return 0, err
	}
	exact := true
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, storeErr("count", err)
	}
	return int64(n), nil
}

func (q *QdrantStore) ExistsBySHA256(ctx context.Context, sha256, collection string) (bool, error) {
	if err := q.ensureCollection(ctx, collection); err != nil {
		return false, err
	}
	exact := true
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         q.buildFilter(map[string]any{payloadSHAField: sha256}),
		Exact:          &exact,
	})
	if err != nil {
		return false, storeErr("exists", err)
	}
	return n > 0, nil
}

func (q *QdrantStore) DeleteByDocumentID(ctx context.Context, docID, collection string) (int64, error) {
	if err := q.ensureCollection(ctx, collection); err != nil {
		return 0, err
	}
	filter := q.buildFilter(map[string]any{payloadDocField: docID})
	exact := true
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         filter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, storeErr("delete count", err)
	}
	wait := true
	_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
		Wait:           &wait,
	})
	if err != nil {
		return 0, storeErr("delete", err)
	}
	return int64(n), nil
}

func (q *QdrantStore) Close() { _ = q.client.Close() }

// CreateSnapshot creates a collection snapshot for versioning/rollback.
func (q *QdrantStore) CreateSnapshot(ctx context.Context, collection string) (string, error) {
	snap, err := q.client.CreateSnapshot(ctx, collection)
	if err != nil {
		return "", storeErr("create snapshot", err)
	}
	return snap.GetName(), nil
}

// ListSnapshots lists snapshot names for a collection.
func (q *QdrantStore) ListSnapshots(ctx context.Context, collection string) ([]string, error) {
	snaps, err := q.client.ListSnapshots(ctx, collection)
	if err != nil {
		return nil, storeErr("list snapshots", err)
	}
	names := make([]string, 0, len(snaps))
	for _, s := range snaps {
		names = append(names, s.GetName())
	}
	return names, nil
}

// DeleteSnapshot removes a named snapshot from a collection.
func (q *QdrantStore) DeleteSnapshot(ctx context.Context, collection, name string) error {
	return storeErr("delete snapshot", q.client.DeleteSnapshot(ctx, collection, name))
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]any, 0, len(items))
		for _, it := range items {
			out = append(out, valueToAny(it))
		}
		return out
	default:
		return strings.TrimSpace(v.String())
	}
}
