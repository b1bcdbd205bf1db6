package api

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"lattice-backend/internal/docstore"
	"lattice-backend/internal/events"
	"lattice-backend/internal/metadata"
)

// RecordHandler exposes record CRUD over the document store. Every committed
// write publishes the matching domain event so the compute engine picks up
// derived-field work.
type RecordHandler struct {
	registry *metadata.Registry
	docs     docstore.Store
	bus      *events.Bus
}

func NewRecordHandler(reg *metadata.Registry, docs docstore.Store, bus *events.Bus) *RecordHandler {
	return &RecordHandler{registry: reg, docs: docs, bus: bus}
}

// List handles GET /api/:table
func (h *RecordHandler) List(c *fiber.Ctx) error {
	table, err := h.resolveTable(c)
	if err != nil {
		return err
	}

	docs, err := h.docs.List(c.UserContext(), table.ID)
	if err != nil {
		return fmt.Errorf("list %s: %w", table.ID, err)
	}

	rows := make([]fiber.Map, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, fiber.Map{"id": d.ID, "version": d.Version, "fields": d.Data})
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{"total": len(rows)},
	})
}

// GetByID handles GET /api/:table/:id
func (h *RecordHandler) GetByID(c *fiber.Ctx) error {
	table, err := h.resolveTable(c)
	if err != nil {
		return err
	}

	doc, err := h.docs.Get(c.UserContext(), table.ID, c.Params("id"))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return NotFoundError(table.ID, c.Params("id"))
		}
		return fmt.Errorf("get %s/%s: %w", table.ID, c.Params("id"), err)
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{"id": doc.ID, "version": doc.Version, "fields": doc.Data},
	})
}

// Create handles POST /api/:table
func (h *RecordHandler) Create(c *fiber.Ctx) error {
	table, err := h.resolveTable(c)
	if err != nil {
		return err
	}

	var body struct {
		ID     string         `json:"id"`
		Fields map[string]any `json:"fields"`
	}
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if body.ID == "" {
		body.ID = uuid.New().String()
	}

	ops, details := h.buildOps(table, body.Fields)
	if len(details) > 0 {
		return ValidationError(details)
	}
	if len(ops) == 0 {
		return ValidationError([]ErrorDetail{{Message: "fields is required"}})
	}

	txKey := transactionKey(c)
	meta := docstore.Meta{TransactionKey: txKey, Actor: "api", ExpectedVersion: docstore.NoVersionCheck}
	doc, err := h.docs.SubmitOp(c.UserContext(), table.ID, body.ID, ops, meta)
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", table.ID, body.ID, err)
	}

	written := make([]string, 0, len(ops))
	for _, op := range ops {
		written = append(written, op.Field)
	}
	sort.Strings(written)

	ctx := c.UserContext()
	h.bus.Publish(ctx, events.RecordCreated{
		Base:           table.Base,
		Table:          table.ID,
		Record:         body.ID,
		Fields:         written,
		TransactionKey: txKey,
	})
	h.publishLinkChanges(c, table, body.ID, nil, body.Fields, txKey)

	return c.Status(201).JSON(fiber.Map{
		"data": fiber.Map{"id": doc.ID, "version": doc.Version, "fields": doc.Data},
	})
}

// Update handles PATCH /api/:table/:id
func (h *RecordHandler) Update(c *fiber.Ctx) error {
	table, err := h.resolveTable(c)
	if err != nil {
		return err
	}
	id := c.Params("id")

	var body struct {
		Fields map[string]any `json:"fields"`
	}
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if len(body.Fields) == 0 {
		return ValidationError([]ErrorDetail{{Message: "fields is required"}})
	}

	ops, details := h.buildOps(table, body.Fields)
	if len(details) > 0 {
		return ValidationError(details)
	}

	prev, err := h.docs.Get(c.UserContext(), table.ID, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return NotFoundError(table.ID, id)
		}
		return fmt.Errorf("get %s/%s: %w", table.ID, id, err)
	}
	prevData := prev.Data

	txKey := transactionKey(c)
	meta := docstore.Meta{
		TransactionKey:  txKey,
		Actor:           "api",
		ExpectedVersion: expectedVersion(c),
	}
	doc, err := h.docs.SubmitOp(c.UserContext(), table.ID, id, ops, meta)
	if err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			return ConflictError(fmt.Sprintf("Record %s changed since version %d", id, meta.ExpectedVersion))
		}
		return fmt.Errorf("update %s/%s: %w", table.ID, id, err)
	}

	changed := make([]string, 0, len(ops))
	for _, op := range ops {
		changed = append(changed, op.Field)
	}
	sort.Strings(changed)

	h.bus.Publish(c.UserContext(), events.RecordUpdated{
		Base:           table.Base,
		Table:          table.ID,
		Record:         id,
		Changed:        changed,
		TransactionKey: txKey,
	})
	h.publishLinkChanges(c, table, id, prevData, body.Fields, txKey)

	return c.JSON(fiber.Map{
		"data": fiber.Map{"id": doc.ID, "version": doc.Version, "fields": doc.Data},
	})
}

// Delete handles DELETE /api/:table/:id
func (h *RecordHandler) Delete(c *fiber.Ctx) error {
	table, err := h.resolveTable(c)
	if err != nil {
		return err
	}
	id := c.Params("id")

	txKey := transactionKey(c)
	meta := docstore.Meta{TransactionKey: txKey, Actor: "api", ExpectedVersion: docstore.NoVersionCheck}
	if err := h.docs.Delete(c.UserContext(), table.ID, id, meta); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return NotFoundError(table.ID, id)
		}
		return fmt.Errorf("delete %s/%s: %w", table.ID, id, err)
	}

	h.bus.Publish(c.UserContext(), events.RecordDeleted{
		Base:           table.Base,
		Table:          table.ID,
		Record:         id,
		TransactionKey: txKey,
	})

	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

// buildOps turns the request's field map into store ops, rejecting writes to
// unknown or derived fields.
func (h *RecordHandler) buildOps(table *metadata.Table, values map[string]any) ([]docstore.Op, []ErrorDetail) {
	var details []ErrorDetail
	ops := make([]docstore.Op, 0, len(values))

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, fieldID := range keys {
		field := h.registry.GetField(fieldID)
		if field == nil || field.Table != table.ID {
			details = append(details, ErrorDetail{Field: fieldID, Rule: "unknown", Message: "unknown field"})
			continue
		}
		if field.Derived() {
			details = append(details, ErrorDetail{Field: fieldID, Rule: "readonly", Message: "derived fields are computed, not written"})
			continue
		}
		v := values[fieldID]
		if field.Kind == metadata.KindLink {
			ids, err := linkValue(v)
			if err != nil {
				details = append(details, ErrorDetail{Field: fieldID, Rule: "type", Message: err.Error()})
				continue
			}
			v = ids
		}
		ops = append(ops, docstore.Op{Field: fieldID, Value: v})
	}
	return ops, details
}

// publishLinkChanges diffs link-field values against the previous record state
// and publishes one LinkChanged per changed link field.
func (h *RecordHandler) publishLinkChanges(c *fiber.Ctx, table *metadata.Table, recordID string, prev map[string]any, written map[string]any, txKey string) {
	for fieldID, v := range written {
		field := h.registry.GetField(fieldID)
		if field == nil || field.Kind != metadata.KindLink {
			continue
		}
		next, err := linkValue(v)
		if err != nil {
			continue
		}
		var old []string
		if prev != nil {
			old, _ = linkValue(prev[fieldID])
		}
		added, removed := diffIDs(old, next)
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		h.bus.Publish(c.UserContext(), events.LinkChanged{
			Base:           table.Base,
			Table:          table.ID,
			LinkField:      fieldID,
			Record:         recordID,
			Added:          added,
			Removed:        removed,
			TransactionKey: txKey,
		})
	}
}

func (h *RecordHandler) resolveTable(c *fiber.Ctx) (*metadata.Table, error) {
	table := h.registry.GetTable(c.Params("table"))
	if table == nil {
		return nil, UnknownTableError(c.Params("table"))
	}
	return table, nil
}

// linkValue coerces a JSON link-field value into a []string of record IDs.
func linkValue(v any) ([]string, error) {
	switch ids := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return ids, nil
	case []any:
		out := make([]string, 0, len(ids))
		for _, raw := range ids {
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("link values must be record id strings")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("link field expects an array of record ids")
}

func diffIDs(old, next []string) (added, removed []string) {
	oldSet := make(map[string]bool, len(old))
	for _, id := range old {
		oldSet[id] = true
	}
	nextSet := make(map[string]bool, len(next))
	for _, id := range next {
		nextSet[id] = true
	}
	for _, id := range next {
		if !oldSet[id] {
			added = append(added, id)
		}
	}
	for _, id := range old {
		if !nextSet[id] {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func transactionKey(c *fiber.Ctx) string {
	if key := c.Get("X-Transaction-Key"); key != "" {
		return key
	}
	return "tx_" + uuid.New().String()
}

func expectedVersion(c *fiber.Ctx) int64 {
	if v := c.Get("If-Match"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return docstore.NoVersionCheck
}
