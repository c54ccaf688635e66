// Package ribtable is a production iface.Table: it loads current_routes,
// the table internal/state's ingestion pipeline upserts into, as the RIB
// a membership.Manager walk exports from. ribtable itself only reads that
// table over SQL and has no import-level dependency on internal/bmp,
// internal/state, internal/history, or internal/kafka; cmd/bgp-controld is
// what closes the loop, running that ingestion pipeline in the same
// process as the ribtable.Table instances it feeds (see startIngestion in
// cmd/bgp-controld/main.go).
package ribtable

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-controld/internal/attr"
	"github.com/route-beacon/bgp-controld/internal/export"
	"github.com/route-beacon/bgp-controld/internal/iface"
	"github.com/route-beacon/bgp-controld/internal/ribout"
)

// ingestPeer stands in for the BMP-monitored router that originated a
// current_routes row. It is never registered with membership.Manager; it
// exists only to give the loaded best paths a SourcePeer for split-horizon
// and attribute-rewrite purposes.
type ingestPeer struct {
	id iface.PeerID
	as uint32
}

func (p *ingestPeer) ID() iface.PeerID         { return p.id }
func (p *ingestPeer) IsReady() bool            { return true }
func (p *ingestPeer) SendReady() bool          { return true }
func (p *ingestPeer) IsXMPP() bool             { return false }
func (p *ingestPeer) PeerType() attr.PeerType  { return attr.PeerTypeIBGP }
func (p *ingestPeer) AS() uint32               { return p.as }
func (p *ingestPeer) LLGRCapable() bool        { return false }
func (p *ingestPeer) InGRTimerWaitState() bool { return false }
func (p *ingestPeer) SendUpdate(data any) bool { return true }
func (p *ingestPeer) MembershipRequestCallback(table iface.Table) {}
func (p *ingestPeer) MembershipPathCallback(partitionIndex int, routeKey string, path *attr.BestPath) bool {
	return false
}

type walker struct {
	entryCB iface.EntryCallback
	doneCB  iface.DoneCallback
}

// Table is one (table_name) RIB snapshot, refreshed from current_routes on
// demand. It is read-only from the Walker's point of view: loads happen
// outside the walk, on Refresh.
type Table struct {
	name           string
	partitionCount int
	queueCount     int
	pool           *pgxpool.Pool
	logger         *zap.Logger
	notifier       ribout.UpdateNotifier

	mu      sync.RWMutex
	routes  []*iface.RouteEntry
	ribouts map[string]*ribout.RibOut
	deleted bool
}

// New returns a Table for name. notifier is attached to every RibOut this
// table ever creates via RibOutLocate, wiring new export queue activity
// straight into the sender (design §5).
func New(name string, partitionCount, queueCount int, pool *pgxpool.Pool, notifier ribout.UpdateNotifier, logger *zap.Logger) *Table {
	return &Table{
		name:           name,
		partitionCount: partitionCount,
		queueCount:     queueCount,
		pool:           pool,
		notifier:       notifier,
		logger:         logger,
		ribouts:        make(map[string]*ribout.RibOut),
	}
}

func (t *Table) Name() string { return t.name }

func (t *Table) IsDeleted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deleted
}

// MarkDeleted flags the table as deleted, design §4.4's REGISTER_RIB
// short-circuit for a table torn down before a pending walk runs.
func (t *Table) MarkDeleted() {
	t.mu.Lock()
	t.deleted = true
	t.mu.Unlock()
}

func (t *Table) PartitionCount() int { return t.partitionCount }

func (t *Table) RibOutLocate(policy export.Policy) iface.RibOut {
	t.mu.Lock()
	defer t.mu.Unlock()
	ro, ok := t.ribouts[policy.Name]
	if !ok {
		ro = ribout.New(policy.Name, policy, t.partitionCount, t.queueCount, t.notifier)
		t.ribouts[policy.Name] = ro
	}
	return ro
}

func (t *Table) AllocWalker(entryCB iface.EntryCallback, doneCB iface.DoneCallback) iface.WalkRef {
	return &walker{entryCB: entryCB, doneCB: doneCB}
}

// WalkTable visits every route currently loaded into memory, partitioning
// each by a stable hash of its key so the same prefix always lands in the
// same partition across walks (design §4.5's "external table data is
// already partitioned deterministically by key").
func (t *Table) WalkTable(ref iface.WalkRef) {
	w := ref.(*walker)
	t.mu.RLock()
	routes := t.routes
	t.mu.RUnlock()
	for _, route := range routes {
		w.entryCB(t.partitionOf(route.Key), route)
	}
	w.doneCB()
}

func (t *Table) ReleaseWalker(ref iface.WalkRef) {}

func (t *Table) partitionOf(key string) int {
	if t.partitionCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(t.partitionCount))
}

// Refresh reloads every current_routes row for this table from Postgres,
// replacing the in-memory snapshot atomically. Safe to call while a walk
// driven by RunReadyWalks is in progress against the previous snapshot
// (WalkTable always reads a single consistent slice).
func (t *Table) Refresh(ctx context.Context) error {
	rows, err := t.pool.Query(ctx, `
		SELECT router_id, prefix, path_id, nexthop, as_path, origin,
			localpref, med, origin_asn, communities_std, communities_ext, communities_large
		FROM current_routes
		WHERE table_name = $1`, t.name)
	if err != nil {
		return fmt.Errorf("ribtable: query current_routes: %w", err)
	}
	defer rows.Close()

	byKey := make(map[string]*iface.RouteEntry)
	peers := make(map[string]*ingestPeer)

	for rows.Next() {
		var (
			routerID, prefix, nexthop, asPath, origin string
			pathID                                     int64
			localpref, med                             *int64
			originASN                                  *int64
			commStd, commExt, commLarge                []int64
		)
		if err := rows.Scan(&routerID, &prefix, &pathID, &nexthop, &asPath, &origin,
			&localpref, &med, &originASN, &commStd, &commExt, &commLarge); err != nil {
			return fmt.Errorf("ribtable: scan current_routes row: %w", err)
		}

		peer, ok := peers[routerID]
		if !ok {
			peer = &ingestPeer{id: iface.PeerID("ingest:" + routerID)}
			if originASN != nil {
				peer.as = uint32(*originASN)
			}
			peers[routerID] = peer
		}

		key := fmt.Sprintf("%s/%d", prefix, pathID)
		a := &attr.Attr{Origin: originCode(origin)}
		if localpref != nil {
			lp := uint32(*localpref)
			a.LocalPref = &lp
		}
		if med != nil {
			m := uint32(*med)
			a.MED = &m
		}

		best := &attr.BestPath{Attr: a, SourcePeer: peer.PeerType(), SourceAS: peer.AS(), Feasible: true}
		byKey[key] = &iface.RouteEntry{
			Key:   key,
			Best:  best,
			Paths: []iface.PathInfo{{SourcePeer: peer, Path: best}},
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ribtable: iterating current_routes: %w", err)
	}

	routes := make([]*iface.RouteEntry, 0, len(byKey))
	for _, r := range byKey {
		routes = append(routes, r)
	}

	t.mu.Lock()
	t.routes = routes
	t.mu.Unlock()

	t.logger.Debug("ribtable refreshed", zap.String("table", t.name), zap.Int("routes", len(routes)))
	return nil
}

func originCode(origin string) uint8 {
	switch origin {
	case "igp":
		return 0
	case "egp":
		return 1
	default:
		return 2
	}
}
