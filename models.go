package ptnotes

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// A project is one engagement. It owns a single scan store,
// addressed by its slug-derived database file.
type Project struct {
	gorm.Model

	// Stable identifier used to name the project's store file.
	// Survives renames.
	Slug string `gorm:"uniqueIndex"`
	// Display name of the engagement
	Name string
	Note string

	Settings datatypes.JSON
}

// A host discovered during the engagement. Hosts are created
// implicitly by the first finding referencing their address and
// only disappear with the project.
type Host struct {
	gorm.Model

	IP   string `gorm:"uniqueIndex"`
	Note string
}

const (
	ProtoTCP = "tcp"
	ProtoUDP = "udp"
)

// HostPort marks findings addressed at the host itself rather than
// a service, e.g. "host is up" with nothing listening.
const HostPort = 0

// An item is one normalized finding: a service observed on a
// host:port:protocol, with whatever evidence the scanner produced.
// Identity is (ip, port, protocol, service); re-imports merge into
// the same row.
type Item struct {
	gorm.Model

	IP       string `gorm:"index:idx_item_identity,unique"`
	Port     int    `gorm:"index:idx_item_identity,unique"`
	Protocol string `gorm:"index:idx_item_identity,unique"`
	Service  string `gorm:"index:idx_item_identity,unique"`
	Evidence string
	Note     string
}

// An attack groups the items matching one catalog signature.
// The item set is recomputed on every correlation run; the note is
// operator-owned and never recomputed.
type Attack struct {
	gorm.Model

	SignatureID string `gorm:"uniqueIndex"`
	Title       string
	Note        string
	// Sorted, deduplicated "ip:port" tokens
	Items datatypes.JSON
}

// ImportRecord is the idempotency ledger: one row per absorbed
// document filename. Filename identity, not content hashing; the
// import instant is the row's CreatedAt.
type ImportRecord struct {
	gorm.Model

	Filename string `gorm:"uniqueIndex"`
}
