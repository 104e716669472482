package changeflow

import (
	"fmt"
	"strings"
)

// SourcingType is the kind of upstream system that produced an event.
type SourcingType int

// SourcingType constants. New kinds are only ever appended.
const (
	SourcingTypeUnknown SourcingType = iota
	SourcingTypeMySQL
	SourcingTypeLocalBinlog
	SourcingTypeOracle
	SourcingTypeGroup
	SourcingTypeTiDB
	SourcingTypeRedis
	SourcingTypePostgres
)

var sourcingTypeNames = map[SourcingType]string{
	SourcingTypeUnknown:     "unknown",
	SourcingTypeMySQL:       "mysql",
	SourcingTypeLocalBinlog: "localbinlog",
	SourcingTypeOracle:      "oracle",
	SourcingTypeGroup:       "group",
	SourcingTypeTiDB:        "tidb",
	SourcingTypeRedis:       "redis",
	SourcingTypePostgres:    "postgres",
}

// ParseSourcingType parses a sourcing type by name, case-insensitively.
func ParseSourcingType(s string) (SourcingType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range sourcingTypeNames {
		if n == name {
			return t, nil
		}
	}
	return SourcingTypeUnknown, fmt.Errorf("'%s' is not a valid sourcing type", s)
}

// IsMysql reports whether the event came from a MySQL server.
func (t SourcingType) IsMysql() bool { return t == SourcingTypeMySQL }

// IsLocalBinlog reports whether the event was replayed from a local binlog file.
func (t SourcingType) IsLocalBinlog() bool { return t == SourcingTypeLocalBinlog }

// IsOracle reports whether the event came from an Oracle database.
func (t SourcingType) IsOracle() bool { return t == SourcingTypeOracle }

// IsGroup reports whether the event came from a merged group of databases.
func (t SourcingType) IsGroup() bool { return t == SourcingTypeGroup }

// IsTiDB reports whether the event came from TiDB.
func (t SourcingType) IsTiDB() bool { return t == SourcingTypeTiDB }

// IsRedis reports whether the event came from a Redis command stream.
func (t SourcingType) IsRedis() bool { return t == SourcingTypeRedis }

// IsPostgres reports whether the event came from Postgres logical replication.
func (t SourcingType) IsPostgres() bool { return t == SourcingTypePostgres }

func (t SourcingType) String() string {
	if n, ok := sourcingTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("sourcing(%d)", int(t))
}
