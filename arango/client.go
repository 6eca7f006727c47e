// Package arango adapts the document/graph store for the pipeline. It owns
// the connection, collection bootstrap, and the merge mechanism (AQL
// UPSERT); the merge policy itself is fixed by the document semantics in
// package poc.
package arango

import (
	"context"
	"fmt"

	driver "github.com/arangodb/go-driver"
	driverhttp "github.com/arangodb/go-driver/http"

	"poctracker/config"
)

// Logical collection names. witnesses is an edge collection from the
// beaconing hotspot to the witnessing hotspot.
const (
	BeaconCollection  = "beacons"
	HotspotCollection = "hotspots"
	EdgeCollection    = "witnesses"
	FileCollection    = "files"
)

// Client wraps one database with its four collections. All methods are safe
// for concurrent use; the driver handles connection pooling.
type Client struct {
	db       driver.Database
	beacons  driver.Collection
	hotspots driver.Collection
	edges    driver.Collection
	files    driver.Collection
}

// Connect establishes the connection and bootstraps the database,
// collections, and indexes when they do not exist yet. Bootstrap is
// idempotent so concurrent instances can race it safely.
func Connect(ctx context.Context, cfg config.ArangoConfig) (*Client, error) {
	conn, err := driverhttp.NewConnection(driverhttp.ConnectionConfig{
		Endpoints: []string{cfg.Endpoint},
	})
	if err != nil {
		return nil, fmt.Errorf("arango: connection: %w", err)
	}
	cl, err := driver.NewClient(driver.ClientConfig{
		Connection:     conn,
		Authentication: driver.BasicAuthentication(cfg.User, cfg.Password),
	})
	if err != nil {
		return nil, fmt.Errorf("arango: client: %w", err)
	}

	db, err := ensureDatabase(ctx, cl, cfg.Database)
	if err != nil {
		return nil, err
	}

	c := &Client{db: db}
	if c.beacons, err = ensureCollection(ctx, db, BeaconCollection, false); err != nil {
		return nil, err
	}
	if c.hotspots, err = ensureCollection(ctx, db, HotspotCollection, false); err != nil {
		return nil, err
	}
	if c.edges, err = ensureCollection(ctx, db, EdgeCollection, true); err != nil {
		return nil, err
	}
	if c.files, err = ensureCollection(ctx, db, FileCollection, false); err != nil {
		return nil, err
	}
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func ensureDatabase(ctx context.Context, cl driver.Client, name string) (driver.Database, error) {
	exists, err := cl.DatabaseExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("arango: database exists %s: %w", name, err)
	}
	if exists {
		db, err := cl.Database(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("arango: open database %s: %w", name, err)
		}
		return db, nil
	}
	db, err := cl.CreateDatabase(ctx, name, nil)
	if err != nil {
		// Lost a bootstrap race; fall back to opening it.
		if Classify(err) == KindConflict {
			return cl.Database(ctx, name)
		}
		return nil, fmt.Errorf("arango: create database %s: %w", name, err)
	}
	return db, nil
}

func ensureCollection(ctx context.Context, db driver.Database, name string, edge bool) (driver.Collection, error) {
	exists, err := db.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("arango: collection exists %s: %w", name, err)
	}
	if !exists {
		var opts *driver.CreateCollectionOptions
		if edge {
			opts = &driver.CreateCollectionOptions{Type: driver.CollectionTypeEdge}
		}
		if _, err := db.CreateCollection(ctx, name, opts); err != nil && Classify(err) != KindConflict {
			return nil, fmt.Errorf("arango: create collection %s: %w", name, err)
		}
	}
	col, err := db.Collection(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("arango: open collection %s: %w", name, err)
	}
	return col, nil
}

// ensureIndexes mirrors the index set the query side depends on: range
// scans over file timestamps and sizes, beacon lookups by reporter and
// ingest time, geo queries over beacon and hotspot footprints, and edge
// scans by count and distance.
func (c *Client) ensureIndexes(ctx context.Context) error {
	type indexDef struct {
		col    driver.Collection
		ensure func(driver.Collection) error
	}
	defs := []indexDef{
		{c.files, func(col driver.Collection) error {
			_, _, err := col.EnsureSkipListIndex(ctx, []string{"unix_ts"}, &driver.EnsureSkipListIndexOptions{Name: "file_ts", Sparse: true})
			return err
		}},
		{c.files, func(col driver.Collection) error {
			_, _, err := col.EnsureSkipListIndex(ctx, []string{"size"}, &driver.EnsureSkipListIndexOptions{Name: "file_size", Sparse: true})
			return err
		}},
		{c.beacons, func(col driver.Collection) error {
			_, _, err := col.EnsurePersistentIndex(ctx, []string{"pub_key"}, &driver.EnsurePersistentIndexOptions{Name: "beacon_pub_key"})
			return err
		}},
		{c.beacons, func(col driver.Collection) error {
			_, _, err := col.EnsureSkipListIndex(ctx, []string{"ingest_time_unix"}, &driver.EnsureSkipListIndexOptions{Name: "beacon_ingest_time", Sparse: true})
			return err
		}},
		{c.beacons, func(col driver.Collection) error {
			_, _, err := col.EnsureGeoIndex(ctx, []string{"geo"}, &driver.EnsureGeoIndexOptions{Name: "beacon_geo_index", GeoJSON: true})
			return err
		}},
		{c.hotspots, func(col driver.Collection) error {
			_, _, err := col.EnsureGeoIndex(ctx, []string{"geo"}, &driver.EnsureGeoIndexOptions{Name: "hotspot_geo_index", GeoJSON: true})
			return err
		}},
		{c.hotspots, func(col driver.Collection) error {
			_, _, err := col.EnsureGeoIndex(ctx, []string{"parent_geo"}, &driver.EnsureGeoIndexOptions{Name: "hotspot_parent_geo_index", GeoJSON: true})
			return err
		}},
		{c.edges, func(col driver.Collection) error {
			_, _, err := col.EnsurePersistentIndex(ctx, []string{"count"}, &driver.EnsurePersistentIndexOptions{Name: "witness_count"})
			return err
		}},
		{c.edges, func(col driver.Collection) error {
			_, _, err := col.EnsurePersistentIndex(ctx, []string{"distance"}, &driver.EnsurePersistentIndexOptions{Name: "beacon_witness_distance"})
			return err
		}},
	}
	for _, def := range defs {
		if err := def.ensure(def.col); err != nil {
			return fmt.Errorf("arango: ensure index on %s: %w", def.col.Name(), err)
		}
	}
	return nil
}

// exec runs a modification query and discards any results.
func (c *Client) exec(ctx context.Context, query string, bind map[string]interface{}) error {
	cur, err := c.db.Query(ctx, query, bind)
	if err != nil {
		return err
	}
	return cur.Close()
}

// queryStrings runs a query that returns string rows.
func (c *Client) queryStrings(ctx context.Context, query string, bind map[string]interface{}) ([]string, error) {
	cur, err := c.db.Query(ctx, query, bind)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var out []string
	for {
		var s string
		if _, err := cur.ReadDocument(ctx, &s); driver.IsNoMoreDocuments(err) {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}

// queryInts runs a query that returns integer rows.
func (c *Client) queryInts(ctx context.Context, query string, bind map[string]interface{}) ([]int, error) {
	cur, err := c.db.Query(ctx, query, bind)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var out []int
	for {
		var n int
		if _, err := cur.ReadDocument(ctx, &n); driver.IsNoMoreDocuments(err) {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
}
