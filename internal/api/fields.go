package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"lattice-backend/internal/compute"
	"lattice-backend/internal/events"
	"lattice-backend/internal/metadata"
	"lattice-backend/internal/store"
)

// SchemaHandler manages table and field definitions. Field writes go through
// a validate, cycle-check, persist, publish pipeline so the dependency graph
// never holds an edge set the registry disagrees with.
type SchemaHandler struct {
	store    *store.Store
	registry *metadata.Registry
	graph    *compute.Graph
	bus      *events.Bus
}

func NewSchemaHandler(s *store.Store, reg *metadata.Registry, graph *compute.Graph, bus *events.Bus) *SchemaHandler {
	return &SchemaHandler{store: s, registry: reg, graph: graph, bus: bus}
}

// CreateTable handles POST /api/_tables
func (h *SchemaHandler) CreateTable(c *fiber.Ctx) error {
	var table metadata.Table
	if err := c.BodyParser(&table); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if table.ID == "" || table.Base == "" {
		return ValidationError([]ErrorDetail{{Message: "id and base are required"}})
	}

	if h.store != nil {
		pb := h.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(
			"INSERT INTO _tables (id, base_id, name) VALUES (%s, %s, %s) ON CONFLICT (id) DO UPDATE SET base_id = excluded.base_id, name = excluded.name",
			pb.Add(table.ID), pb.Add(table.Base), pb.Add(table.Name),
		)
		if _, err := store.Exec(c.UserContext(), h.store.DB, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("persist table %s: %w", table.ID, err)
		}
	}

	h.registry.UpsertTable(&table)
	return c.Status(201).JSON(fiber.Map{"data": table})
}

// ListTables handles GET /api/_tables
func (h *SchemaHandler) ListTables(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.AllTables()})
}

// CreateField handles POST /api/_fields
func (h *SchemaHandler) CreateField(c *fiber.Ctx) error {
	field, appErr := h.parseField(c)
	if appErr != nil {
		return appErr
	}
	if existing := h.registry.GetField(field.ID); existing != nil {
		return NewAppError("ALREADY_EXISTS", 409, fmt.Sprintf("Field %s already exists", field.ID))
	}

	if err := h.graph.AddField(field, h.registry); err != nil {
		return h.graphError(field, err)
	}
	if err := h.persistField(c, field); err != nil {
		h.graph.RemoveField(field.Table, field.ID)
		return err
	}
	h.registry.UpsertField(field)

	table := h.registry.GetTable(field.Table)
	h.bus.Publish(c.UserContext(), events.FieldCreated{
		Base:  table.Base,
		Table: field.Table,
		Field: field.ID,
	})

	return c.Status(201).JSON(fiber.Map{"data": field})
}

// UpdateField handles PUT /api/_fields/:id
func (h *SchemaHandler) UpdateField(c *fiber.Ctx) error {
	field, appErr := h.parseField(c)
	if appErr != nil {
		return appErr
	}
	field.ID = c.Params("id")

	prev := h.registry.GetField(field.ID)
	if prev == nil {
		return NotFoundError("field", field.ID)
	}
	if prev.Table != field.Table {
		return ValidationError([]ErrorDetail{{Field: "table", Rule: "immutable", Message: "a field cannot move between tables"}})
	}

	if err := h.graph.UpdateReferences(field, h.registry); err != nil {
		return h.graphError(field, err)
	}
	if err := h.persistField(c, field); err != nil {
		// restore the previous edge set
		if rbErr := h.graph.UpdateReferences(prev, h.registry); rbErr != nil {
			return fmt.Errorf("persist field %s: %w (rollback failed: %v)", field.ID, err, rbErr)
		}
		return err
	}
	h.registry.UpsertField(field)

	table := h.registry.GetTable(field.Table)
	h.bus.Publish(c.UserContext(), events.FieldUpdated{
		Base:  table.Base,
		Table: field.Table,
		Field: field.ID,
	})

	return c.JSON(fiber.Map{"data": field})
}

// DeleteField handles DELETE /api/_fields/:id
func (h *SchemaHandler) DeleteField(c *fiber.Ctx) error {
	fieldID := c.Params("id")
	field := h.registry.GetField(fieldID)
	if field == nil {
		return NotFoundError("field", fieldID)
	}

	// Capture dependents before tearing down edges; the deletion event must
	// carry them so consumers do not race the graph mutation.
	refs := h.graph.DependentsOf(field.Table, fieldID)
	dependents := make([]events.FieldRef, 0, len(refs))
	for _, r := range refs {
		dependents = append(dependents, events.FieldRef{Table: r.Table, Field: r.Field})
	}

	if h.store != nil {
		pb := h.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("DELETE FROM _fields WHERE id = %s", pb.Add(fieldID))
		if _, err := store.Exec(c.UserContext(), h.store.DB, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("delete field %s: %w", fieldID, err)
		}
	}

	h.registry.RemoveField(fieldID)
	h.graph.RemoveField(field.Table, fieldID)

	table := h.registry.GetTable(field.Table)
	h.bus.Publish(c.UserContext(), events.FieldDeleted{
		Base:       table.Base,
		Table:      field.Table,
		Field:      fieldID,
		Dependents: dependents,
	})

	return c.JSON(fiber.Map{"data": fiber.Map{"id": fieldID, "deleted": true}})
}

func (h *SchemaHandler) parseField(c *fiber.Ctx) (*metadata.Field, *AppError) {
	var field metadata.Field
	if err := c.BodyParser(&field); err != nil {
		return nil, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := field.Validate(); err != nil {
		return nil, ValidationError([]ErrorDetail{{Message: err.Error()}})
	}
	if h.registry.GetTable(field.Table) == nil {
		return nil, UnknownTableError(field.Table)
	}
	return &field, nil
}

func (h *SchemaHandler) graphError(field *metadata.Field, err error) error {
	if errors.Is(err, compute.ErrCyclicDependency) {
		return CyclicDependencyError(field.ID)
	}
	return ValidationError([]ErrorDetail{{Field: field.ID, Message: err.Error()}})
}

func (h *SchemaHandler) persistField(c *fiber.Ctx, field *metadata.Field) error {
	if h.store == nil {
		return nil
	}
	definition, err := json.Marshal(field)
	if err != nil {
		return fmt.Errorf("marshal field %s: %w", field.ID, err)
	}
	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO _fields (id, table_id, definition) VALUES (%s, %s, %s) ON CONFLICT (id) DO UPDATE SET table_id = excluded.table_id, definition = excluded.definition",
		pb.Add(field.ID), pb.Add(field.Table), pb.Add(string(definition)),
	)
	if _, err := store.Exec(c.UserContext(), h.store.DB, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("persist field %s: %w", field.ID, err)
	}
	return nil
}
