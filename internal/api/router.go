package api

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the schema and record surfaces. Schema routes are
// registered first so /_tables and /_fields never resolve as table names.
func RegisterRoutes(app *fiber.App, schema *SchemaHandler, records *RecordHandler) {
	api := app.Group("/api")

	api.Get("/_tables", schema.ListTables)
	api.Post("/_tables", schema.CreateTable)
	api.Post("/_fields", schema.CreateField)
	api.Put("/_fields/:id", schema.UpdateField)
	api.Delete("/_fields/:id", schema.DeleteField)

	api.Get("/:table", records.List)
	api.Get("/:table/:id", records.GetByID)
	api.Post("/:table", records.Create)
	api.Patch("/:table/:id", records.Update)
	api.Delete("/:table/:id", records.Delete)
}
