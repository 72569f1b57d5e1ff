package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// SchemaConfig carries the operator-tunable vector index parameters. Nothing
// here is hardcoded because the distance metric and graph-search settings
// must match what the serving stage expects.
type SchemaConfig struct {
	Class          string
	Distance       string // cosine, dot, l2-squared
	EfConstruction int
}

// EnsureSchema checks that the document class exists and creates it if not.
// Vectors are supplied by the pipeline, so the class carries no vectorizer.
func EnsureSchema(ctx context.Context, client SchemaClient, cfg SchemaConfig) error {
	exists, err := client.ClassExists(ctx, cfg.Class)
	if err != nil {
		return err
	}

	properties := []*models.Property{
		{
			Name:     "docId",
			DataType: []string{"string"}, // idempotency key (exact match)
		},
		{
			Name:     "text",
			DataType: []string{"text"},
		},
		{
			Name:     "meta",
			DataType: []string{"object"}, // opaque upstream metadata, passed through
		},
	}

	if !exists {
		class := &models.Class{
			Class:           cfg.Class,
			Description:     "An embedded document",
			Vectorizer:      "none",
			VectorIndexType: "hnsw",
			VectorIndexConfig: map[string]interface{}{
				"distance":       cfg.Distance,
				"efConstruction": cfg.EfConstruction,
			},
			Properties: properties,
		}
		return client.CreateClass(ctx, class)
	}

	// Class exists, check for missing properties
	class, err := client.GetClass(ctx, cfg.Class)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, cfg.Class, p); err != nil {
				return err
			}
		}
	}

	return nil
}
