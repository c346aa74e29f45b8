package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Connection is a row of the gateway's guacamole_connection table.
type Connection struct {
	ConnectionID   int    `gorm:"column:connection_id;primaryKey;autoIncrement"`
	ConnectionName string `gorm:"column:connection_name;size:128;not null"`
	Protocol       string `gorm:"column:protocol;size:32;not null"`
}

func (Connection) TableName() string { return "guacamole_connection" }

// ConnectionParameter is a row of guacamole_connection_parameter.
type ConnectionParameter struct {
	ConnectionID   int    `gorm:"column:connection_id;primaryKey;autoIncrement:false"`
	ParameterName  string `gorm:"column:parameter_name;primaryKey;size:128"`
	ParameterValue string `gorm:"column:parameter_value;size:4096;not null"`
}

func (ConnectionParameter) TableName() string { return "guacamole_connection_parameter" }

// Models lists the tables migrated when the gateway schema is managed here.
func Models() []any {
	return []any{&Connection{}, &ConnectionParameter{}}
}

// Repository persists connection definitions in the gateway's database.
type Repository interface {
	// CreateConnection inserts a connection and its parameters atomically and returns its id.
	CreateConnection(ctx context.Context, name, protocol string, params map[string]string) (int, error)
	UpdateParameter(ctx context.Context, connectionID int, name, value string) error
	DeleteConnection(ctx context.Context, connectionID int) error
}

// GormRepository talks to the gateway's MySQL schema.
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) CreateConnection(ctx context.Context, name, protocol string, params map[string]string) (int, error) {
	var id int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conn := Connection{ConnectionName: name, Protocol: protocol}
		if err := tx.Create(&conn).Error; err != nil {
			return fmt.Errorf("insert connection: %w", err)
		}
		rows := make([]ConnectionParameter, 0, len(params))
		for _, k := range sortedKeys(params) {
			rows = append(rows, ConnectionParameter{ConnectionID: conn.ConnectionID, ParameterName: k, ParameterValue: params[k]})
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("insert parameters: %w", err)
			}
		}
		id = conn.ConnectionID
		return nil
	})
	return id, err
}

// UpdateParameter upserts a single parameter row.
func (r *GormRepository) UpdateParameter(ctx context.Context, connectionID int, name, value string) error {
	row := ConnectionParameter{ConnectionID: connectionID, ParameterName: name, ParameterValue: value}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoUpdates: clause.AssignmentColumns([]string{"parameter_value"}),
	}).Create(&row).Error
}

func (r *GormRepository) DeleteConnection(ctx context.Context, connectionID int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ?", connectionID).Delete(&ConnectionParameter{}).Error; err != nil {
			return fmt.Errorf("delete parameters: %w", err)
		}
		if err := tx.Delete(&Connection{}, connectionID).Error; err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
		return nil
	})
}

// MemoryRepository keeps connections in memory, for setups without a gateway database.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID int
	conns  map[int]Connection
	params map[int]map[string]string
	// Fail, when set, is consulted before every operation.
	Fail func(op string) error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextID: 1,
		conns:  map[int]Connection{},
		params: map[int]map[string]string{},
	}
}

func (m *MemoryRepository) fail(op string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op)
}

func (m *MemoryRepository) CreateConnection(ctx context.Context, name, protocol string, params map[string]string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.fail("create"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.conns[id] = Connection{ConnectionID: id, ConnectionName: name, Protocol: protocol}
	p := make(map[string]string, len(params))
	for k, v := range params {
		p[k] = v
	}
	m.params[id] = p
	return id, nil
}

func (m *MemoryRepository) UpdateParameter(ctx context.Context, connectionID int, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fail("update"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.params[connectionID]; !ok {
		m.params[connectionID] = map[string]string{}
	}
	m.params[connectionID][name] = value
	return nil
}

func (m *MemoryRepository) DeleteConnection(ctx context.Context, connectionID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fail("delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connectionID)
	delete(m.params, connectionID)
	return nil
}

// Connection returns a stored connection and a copy of its parameters.
func (m *MemoryRepository) Connection(id int) (Connection, map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return Connection{}, nil, false
	}
	p := make(map[string]string, len(m.params[id]))
	for k, v := range m.params[id] {
		p[k] = v
	}
	return c, p, true
}

// Len is the number of stored connections.
func (m *MemoryRepository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
