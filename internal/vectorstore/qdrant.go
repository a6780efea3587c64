package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nidhogg/vault-mind/internal/memory"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Qdrant implements memory.VectorStore over Qdrant's gRPC API.
// Each library maps to one collection with cosine distance.
type Qdrant struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewQdrant dials the Qdrant gRPC endpoint and returns a ready store.
func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Qdrant{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureLibrary creates the library's collection if it does not already exist.
func (q *Qdrant) EnsureLibrary(ctx context.Context, library string, dimension int) error {
	_, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: library})
	if err == nil {
		return nil
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: library,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: create collection %s: %v", memory.ErrStoreUnavailable, library, err)
	}
	return nil
}

// Insert upserts a single point into the library's collection.
func (q *Qdrant) Insert(ctx context.Context, library, id string, vector []float32) error {
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: library,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: upsert %s/%s: %v", memory.ErrStoreUnavailable, library, id, err)
	}
	return nil
}

// Delete removes a point from the library's collection.
func (q *Qdrant) Delete(ctx context.Context, library, id string) error {
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: library,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", memory.ErrStoreUnavailable, library, id, err)
	}
	return nil
}

// Nearest performs a nearest-neighbor search and returns the top-K hits.
func (q *Qdrant) Nearest(ctx context.Context, library string, vector []float32, k int) ([]memory.VectorHit, error) {
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: library,
		Vector:         vector,
		Limit:          uint64(k),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %v", memory.ErrStoreUnavailable, library, err)
	}
	hits := make([]memory.VectorHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, memory.VectorHit{
			ID:    r.Id.GetUuid(),
			Score: r.Score,
		})
	}
	return hits, nil
}

// Close tears down the underlying gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}
