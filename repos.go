package ptnotes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type DatabaseLocation string

const (
	NO_DATABASE       DatabaseLocation = ""
	INMEMORY_DATABASE DatabaseLocation = ":memory:"
)

type Repository interface {
	WithTransaction(fn func(*gorm.DB) error) error
	connect() (*gorm.DB, error)
}

type repository struct {
	mu sync.Mutex
	db *gorm.DB

	location string
	config   *gorm.Config
	models   []any
}

// do whatever within a separate transaction
func (r *repository) WithTransaction(fn func(conn *gorm.DB) error) error {
	db, err := r.connect()
	if err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

// connect opens and migrates the database exactly once. Store
// handles are shared across request goroutines, so the first
// concurrent touches must not race the migration.
func (r *repository) connect() (*gorm.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		return r.db, nil
	}

	dsn := r.location
	if dsn != string(INMEMORY_DATABASE) {
		// readers wait out import write locks instead of failing
		dsn += "?_busy_timeout=5000"
	}
	db, err := gorm.Open(sqlite.Open(dsn), r.config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}

	db = db.Exec("PRAGMA foreign_keys = ON")
	if err := db.AutoMigrate(r.models...); err != nil {
		return nil, err
	}
	r.db = db

	return db, nil
}

// PROJECT REGISTRY
// ---

// projectRepo is the engagement registry: project metadata only.
// Scan data lives in each project's own store.
type projectRepo struct {
	Repository
}

func (r *projectRepo) CreateProject(name string) (*Project, error) {
	proj := &Project{Slug: uuid.NewString(), Name: name}
	err := r.WithTransaction(func(d *gorm.DB) error {
		if err := d.Create(proj).Error; err != nil {
			return errors.Wrap(err, "failed to create project")
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("create project", err)
	}
	return proj, nil
}

// Project returns nil without error when the id is unknown.
func (r *projectRepo) Project(id uint) (*Project, error) {
	var proj Project
	err := r.WithTransaction(func(d *gorm.DB) error {
		return d.First(&proj, id).Error
	})
	switch {
	case err == nil:
		return &proj, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, storageErr("get project", err)
	}
}

func (r *projectRepo) Projects() ([]*Project, error) {
	var projs []*Project
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Order("name").Find(&projs)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to list projects")
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list projects", err)
	}
	return projs, nil
}

func (r *projectRepo) RenameProject(id uint, name string) error {
	return storageErr("rename project", r.WithTransaction(func(d *gorm.DB) error {
		return d.Model(&Project{}).Where("id = ?", id).Update("name", name).Error
	}))
}

func (r *projectRepo) SetProjectNote(id uint, note string) error {
	return storageErr("set project note", r.WithTransaction(func(d *gorm.DB) error {
		return d.Model(&Project{}).Where("id = ?", id).Update("note", note).Error
	}))
}

func (r *projectRepo) removeProject(id uint) error {
	return storageErr("delete project", r.WithTransaction(func(d *gorm.DB) error {
		return d.Unscoped().Delete(&Project{}, id).Error
	}))
}

// SCAN STORE
// ---

// Stats are the dashboard counters for one project.
type Stats struct {
	Hosts   int64 `json:"hosts"`
	Items   int64 `json:"items"`
	Attacks int64 `json:"attacks"`
}

// scanRepo is the per-project scan store: hosts, items, attacks and
// the import ledger, all in one project-owned database file.
type scanRepo struct {
	Repository
	hosts *expirable.LRU[string, *Host]
}

// UpsertHost creates the host row if absent. Idempotent.
func (r *scanRepo) UpsertHost(ip string) (*Host, error) {
	if host, ok := r.hosts.Get(ip); ok {
		return host, nil
	}

	host := &Host{IP: ip}
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ip"}},
			DoNothing: true,
		}).Create(host)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to upsert host")
		}

		if q.RowsAffected == 0 {
			if err := d.Where("ip = ?", ip).First(host).Error; err != nil {
				return errors.Wrap(err, "failed to find host after conflict")
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("upsert host", err)
	}

	r.hosts.Add(ip, host)
	return host, nil
}

// UpsertItem matches on (ip, port, protocol, service). Existing rows
// keep their note; newer non-empty evidence replaces older evidence.
func (r *scanRepo) UpsertItem(f Finding) (*Item, error) {
	item := &Item{
		IP:       f.IP,
		Port:     f.Port,
		Protocol: f.Protocol,
		Service:  f.Service,
		Evidence: f.Evidence,
	}

	err := r.WithTransaction(func(d *gorm.DB) error {
		var existing Item
		q := d.Where("ip = ? AND port = ? AND protocol = ? AND service = ?",
			f.IP, f.Port, f.Protocol, f.Service).First(&existing)

		switch err := q.Error; {
		case err == nil:
			if f.Evidence != "" && f.Evidence != existing.Evidence {
				if err := d.Model(&existing).Update("evidence", f.Evidence).Error; err != nil {
					return errors.Wrap(err, "failed to merge item evidence")
				}
				existing.Evidence = f.Evidence
			}
			*item = existing
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := d.Create(item).Error; err != nil {
				return errors.Wrap(err, "failed to create item")
			}
			return nil
		default:
			return errors.Wrap(err, "failed to find item")
		}
	})
	if err != nil {
		return nil, storageErr("upsert item", err)
	}
	return item, nil
}

// RecordImport is the idempotency gate. It returns true and records
// the filename on first sight, false without touching anything when
// the filename is already in the ledger.
func (r *scanRepo) RecordImport(filename string) (bool, error) {
	rec := &ImportRecord{Filename: filename}

	var fresh bool
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "filename"}},
			DoNothing: true,
		}).Create(rec)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to record import")
		}
		fresh = q.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, storageErr("record import", err)
	}
	return fresh, nil
}

// ClearImport drops a filename from the ledger so the document can
// be absorbed again. Explicit operator action, see the force flags.
func (r *scanRepo) ClearImport(filename string) error {
	return storageErr("clear import", r.WithTransaction(func(d *gorm.DB) error {
		return d.Unscoped().Where("filename = ?", filename).Delete(&ImportRecord{}).Error
	}))
}

func (r *scanRepo) Imports() ([]*ImportRecord, error) {
	var recs []*ImportRecord
	err := r.WithTransaction(func(d *gorm.DB) error {
		return d.Order("created_at").Find(&recs).Error
	})
	if err != nil {
		return nil, storageErr("list imports", err)
	}
	return recs, nil
}

// UpsertAttack replaces the item set and title of the attack with
// this signature id, keeping any existing note. Inserts with an
// empty note when the signature is new.
func (r *scanRepo) UpsertAttack(signatureID, title string, tokens []string) (*Attack, error) {
	if tokens == nil {
		tokens = []string{}
	}
	items, err := json.Marshal(tokens)
	if err != nil {
		return nil, storageErr("upsert attack", err)
	}

	var attack *Attack
	err = r.WithTransaction(func(d *gorm.DB) error {
		var existing Attack
		q := d.Where("signature_id = ?", signatureID).First(&existing)

		switch err := q.Error; {
		case err == nil:
			updates := map[string]any{"title": title, "items": datatypes.JSON(items)}
			if err := d.Model(&existing).Updates(updates).Error; err != nil {
				return errors.Wrap(err, "failed to update attack")
			}
			existing.Title = title
			existing.Items = items
			attack = &existing
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			attack = &Attack{SignatureID: signatureID, Title: title, Items: items}
			if err := d.Create(attack).Error; err != nil {
				return errors.Wrap(err, "failed to create attack")
			}
			return nil
		default:
			return errors.Wrap(err, "failed to find attack")
		}
	})
	if err != nil {
		return nil, storageErr("upsert attack", err)
	}
	return attack, nil
}

// Hosts returns all hosts ordered by address octets, not lexically.
func (r *scanRepo) Hosts() ([]*Host, error) {
	var hosts []*Host
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Find(&hosts)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to list hosts")
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list hosts", err)
	}

	sort.Slice(hosts, func(i, j int) bool {
		return ipLess(hosts[i].IP, hosts[j].IP)
	})
	return hosts, nil
}

// HostByIP returns nil without error when the address is unknown.
func (r *scanRepo) HostByIP(ip string) (*Host, error) {
	if host, ok := r.hosts.Get(ip); ok {
		return host, nil
	}

	var host Host
	err := r.WithTransaction(func(d *gorm.DB) error {
		return d.Where("ip = ?", ip).First(&host).Error
	})
	switch {
	case err == nil:
		r.hosts.Add(ip, &host)
		return &host, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, storageErr("get host", err)
	}
}

func (r *scanRepo) Items() ([]*Item, error) {
	var items []*Item
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Find(&items)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to list items")
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list items", err)
	}
	return items, nil
}

func (r *scanRepo) ItemsForHost(ip string) ([]*Item, error) {
	var items []*Item
	err := r.WithTransaction(func(d *gorm.DB) error {
		return d.Where("ip = ?", ip).Order("port").Find(&items).Error
	})
	if err != nil {
		return nil, storageErr("list host items", err)
	}
	return items, nil
}

// Item returns nil without error when the id is unknown.
func (r *scanRepo) Item(id uint) (*Item, error) {
	var item Item
	err := r.WithTransaction(func(d *gorm.DB) error {
		return d.First(&item, id).Error
	})
	switch {
	case err == nil:
		return &item, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, storageErr("get item", err)
	}
}

func (r *scanRepo) Attacks() ([]*Attack, error) {
	var attacks []*Attack
	err := r.WithTransaction(func(d *gorm.DB) error {
		return d.Order("signature_id").Find(&attacks).Error
	})
	if err != nil {
		return nil, storageErr("list attacks", err)
	}
	return attacks, nil
}

// Attack returns nil without error when the id is unknown.
func (r *scanRepo) Attack(id uint) (*Attack, error) {
	var attack Attack
	err := r.WithTransaction(func(d *gorm.DB) error {
		return d.First(&attack, id).Error
	})
	switch {
	case err == nil:
		return &attack, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, storageErr("get attack", err)
	}
}

// AttackBySignature returns nil without error when no attack with
// this signature id exists yet.
func (r *scanRepo) AttackBySignature(signatureID string) (*Attack, error) {
	var attack Attack
	err := r.WithTransaction(func(d *gorm.DB) error {
		return d.Where("signature_id = ?", signatureID).First(&attack).Error
	})
	switch {
	case err == nil:
		return &attack, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, storageErr("get attack", err)
	}
}

// AttackNotes returns the attacks carrying a non-empty note.
func (r *scanRepo) AttackNotes() ([]*Attack, error) {
	var attacks []*Attack
	err := r.WithTransaction(func(d *gorm.DB) error {
		return d.Where("note <> ''").Order("signature_id").Find(&attacks).Error
	})
	if err != nil {
		return nil, storageErr("list attack notes", err)
	}
	return attacks, nil
}

// Ports returns the per-protocol port lists of a host. Host-level
// findings (port 0) and protocols outside tcp/udp are excluded.
func (r *scanRepo) Ports(ip string) (map[string][]int, error) {
	items, err := r.ItemsForHost(ip)
	if err != nil {
		return nil, err
	}

	ports := map[string][]int{ProtoTCP: {}, ProtoUDP: {}}
	seen := map[string]bool{}
	for _, item := range items {
		if item.Port == HostPort {
			continue
		}
		if item.Protocol != ProtoTCP && item.Protocol != ProtoUDP {
			continue
		}
		key := fmt.Sprintf("%s/%d", item.Protocol, item.Port)
		if seen[key] {
			continue
		}
		seen[key] = true
		ports[item.Protocol] = append(ports[item.Protocol], item.Port)
	}

	sort.Ints(ports[ProtoTCP])
	sort.Ints(ports[ProtoUDP])
	return ports, nil
}

func (r *scanRepo) Stats() (Stats, error) {
	var stats Stats
	err := r.WithTransaction(func(d *gorm.DB) error {
		if err := d.Model(&Host{}).Count(&stats.Hosts).Error; err != nil {
			return err
		}
		if err := d.Model(&Item{}).Count(&stats.Items).Error; err != nil {
			return err
		}
		return d.Model(&Attack{}).Count(&stats.Attacks).Error
	})
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}
	return stats, nil
}

func (r *scanRepo) SetHostNote(ip, note string) error {
	err := r.WithTransaction(func(d *gorm.DB) error {
		return d.Model(&Host{}).Where("ip = ?", ip).Update("note", note).Error
	})
	// expire the cached host so the next read sees the note
	r.hosts.Remove(ip)
	return storageErr("set host note", err)
}

func (r *scanRepo) SetItemNote(id uint, note string) error {
	return storageErr("set item note", r.WithTransaction(func(d *gorm.DB) error {
		return d.Model(&Item{}).Where("id = ?", id).Update("note", note).Error
	}))
}

func (r *scanRepo) SetAttackNote(id uint, note string) error {
	return storageErr("set attack note", r.WithTransaction(func(d *gorm.DB) error {
		return d.Model(&Attack{}).Where("id = ?", id).Update("note", note).Error
	}))
}

// attackTokens decodes the stored "ip:port" token set.
func attackTokens(a *Attack) []string {
	var tokens []string
	if err := json.Unmarshal(a.Items, &tokens); err != nil {
		return nil
	}
	return tokens
}

func ipLess(a, b string) bool {
	ia, ib := net.ParseIP(a), net.ParseIP(b)
	if ia == nil || ib == nil {
		return a < b
	}
	return bytes.Compare(ia.To16(), ib.To16()) < 0
}

// BUILDER & REGISTRY
// ---

type repositoryBuilder struct {
	home     string
	location string
	config   *gorm.Config
	models   []any
}

func newRepositoryBuilder(home string) *repositoryBuilder {
	return &repositoryBuilder{
		home: home,
		config: &gorm.Config{
			SkipDefaultTransaction: true,
			PrepareStmt:            true,
		},
	}
}

func (b *repositoryBuilder) setLocation(name string) *repositoryBuilder {
	b.location = name
	return b
}

func (b *repositoryBuilder) setName(n string) *repositoryBuilder {
	switch b.home {
	case "-":
		return b.setLocation(string(INMEMORY_DATABASE))
	default:
		return b.setLocation(path.Join(b.home, n))
	}
}

func (b *repositoryBuilder) setModels(m []any) *repositoryBuilder {
	b.models = m
	return b
}

func (b *repositoryBuilder) reset() {
	b.models = nil
	b.location = ""
}

func (b *repositoryBuilder) build() *repository {
	repo := &repository{
		config:   b.config,
		location: b.location,
		models:   b.models,
	}
	defer b.reset()
	return repo
}

// storeRegistry hands out the project registry and one scan store
// per project. Store handles are cached; cross-project stores share
// nothing and can be used in parallel.
type storeRegistry struct {
	conf    *Configuration
	builder *repositoryBuilder

	mu       sync.Mutex
	projects *projectRepo
	scans    map[string]*scanRepo
}

func newStoreRegistry(conf *Configuration) *storeRegistry {
	return &storeRegistry{
		conf:    conf,
		builder: newRepositoryBuilder(conf.Home()),
		scans:   make(map[string]*scanRepo),
	}
}

func (r *storeRegistry) Projects() *projectRepo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.projects != nil {
		return r.projects
	}

	repo := r.builder.setModels([]any{&Project{}}).setName("projects.db").build()
	r.projects = &projectRepo{Repository: repo}
	return r.projects
}

func scanStoreModels() []any {
	return []any{&Host{}, &Item{}, &Attack{}, &ImportRecord{}}
}

// ScanStore returns the store owned by the given project.
func (r *storeRegistry) ScanStore(proj *Project) *scanRepo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if store, ok := r.scans[proj.Slug]; ok {
		return store
	}

	repo := r.builder.
		setModels(scanStoreModels()).
		setName(storeFilename(proj.Slug)).
		build()

	cache := expirable.NewLRU[string, *Host](1e3, nil, 5*time.Minute)
	store := &scanRepo{repo, cache}
	r.scans[proj.Slug] = store
	return store
}

// DeleteProject removes the registry row, drops the cached store
// handle and deletes the project's database file.
func (r *storeRegistry) DeleteProject(proj *Project) error {
	if err := r.Projects().removeProject(proj.ID); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.scans, proj.Slug)
	r.mu.Unlock()

	if r.conf.Home() == "-" {
		return nil
	}

	fpath := path.Join(r.conf.Home(), storeFilename(proj.Slug))
	if err := os.Remove(fpath); err != nil && !os.IsNotExist(err) {
		return storageErr("delete project store", err)
	}
	return nil
}

func storeFilename(slug string) string {
	return fmt.Sprintf("project-%s.db", slug)
}
