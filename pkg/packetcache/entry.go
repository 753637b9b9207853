package packetcache

import "strconv"

// EntryType discriminates what kind of data an Entry holds.
type EntryType uint8

const (
	// PacketCache entries hold a complete packed response.
	PacketCache EntryType = iota
	// QueryCache entries hold backend query results. The façade does not
	// produce them; they are reachable through InsertEntry/GetEntry.
	QueryCache
)

func (t EntryType) String() string {
	switch t {
	case PacketCache:
		return "packet"
	case QueryCache:
		return "query"
	}
	return "EntryType(" + strconv.Itoa(int(t)) + ")"
}

// NoZone is the ZoneID of entries that are not scoped to a zone.
const NoZone = -1

// Entry is one cached record. Entries are never modified after they are
// indexed; a re-insert of the same key swaps in a new Entry.
type Entry struct {
	QName           string
	QType           uint16
	CType           EntryType
	ZoneID          int
	MeritsRecursion bool

	Value []byte
	TTD   int64 // unix seconds after which the entry is dead
}

type entryKey struct {
	qname           string
	qtype           uint16
	ctype           EntryType
	zoneID          int
	meritsRecursion bool
}

func (e *Entry) key() entryKey {
	return entryKey{
		qname:           e.QName,
		qtype:           e.QType,
		ctype:           e.CType,
		zoneID:          e.ZoneID,
		meritsRecursion: e.MeritsRecursion,
	}
}
