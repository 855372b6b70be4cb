package httpapi

import "github.com/swaggo/swag"

// docTemplate is the swagger 2.0 document for the ops routes, in the layout
// `swag init -g cmd/modelmgr/docs.go -o internal/httpapi --outputTypes go
// --packageName httpapi` emits from the handler annotations in server.go.
const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "modelmgr maintainers"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/healthz": {
            "get": {
                "description": "Always answers ok while the process serves HTTP.",
                "produces": ["text/plain"],
                "tags": ["ops"],
                "summary": "Liveness check",
                "responses": {
                    "200": {"description": "ok", "schema": {"type": "string"}}
                }
            }
        },
        "/readyz": {
            "get": {
                "description": "Reports whether the manager accepts loads and installs.",
                "produces": ["text/plain"],
                "tags": ["ops"],
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "ready", "schema": {"type": "string"}},
                    "503": {"description": "closed", "schema": {"type": "string"}}
                }
            }
        },
        "/status": {
            "get": {
                "description": "Catalog size, job counts by state and cache statistics.",
                "produces": ["application/json"],
                "tags": ["ops"],
                "summary": "Manager status snapshot",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}
                }
            }
        },
        "/sanity": {
            "get": {
                "description": "Validates the root and models directories and the catalog.",
                "produces": ["application/json"],
                "tags": ["ops"],
                "summary": "On-disk layout checks",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/manager.SanityReport"}},
                    "503": {"description": "details lists every check", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/metrics": {
            "get": {
                "produces": ["text/plain"],
                "tags": ["ops"],
                "summary": "Prometheus metrics",
                "responses": {
                    "200": {"description": "text exposition format", "schema": {"type": "string"}}
                }
            }
        }
    },
    "definitions": {
        "manager.SanityItem": {
            "type": "object",
            "properties": {
                "detail": {"type": "string"},
                "name": {"type": "string"},
                "ok": {"type": "boolean"}
            }
        },
        "manager.SanityReport": {
            "type": "object",
            "properties": {
                "checks": {"type": "array", "items": {"$ref": "#/definitions/manager.SanityItem"}},
                "ok": {"type": "boolean"}
            }
        },
        "types.CacheStats": {
            "type": "object"
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 404},
                "details": {"type": "object"},
                "error": {"type": "string", "example": "not found"}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "cache": {"$ref": "#/definitions/types.CacheStats"},
                "cache_budget_mb": {"type": "integer", "example": 8192},
                "jobs": {"type": "object", "additionalProperties": {"type": "integer"}},
                "last_error": {"type": "string"},
                "models": {"type": "integer"},
                "ready": {"type": "boolean"},
                "server_time_unix": {"type": "integer", "example": 1700000000},
                "uptime_seconds": {"type": "integer", "example": 3600}
            }
        }
    }
}`

// SwaggerInfo holds the exported doc metadata served at /swagger/doc.json.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "modelmgr ops API",
	Description:      "Health, readiness, status, sanity and metrics endpoints of the model manager.",
	InfoInstanceName: swag.Name,
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
