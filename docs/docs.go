// Package docs registers the hand-maintained Swagger 2.0 document for the inbox API
// with swag, which gofiber/swagger serves under /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/accounts/gmail/auth-url": {
            "get": {
                "security": [{"Bearer": []}],
                "produces": ["application/json"],
                "tags": ["accounts"],
                "summary": "Consent URL for connecting a Gmail inbox",
                "parameters": [
                    {"type": "string", "description": "Team ID", "name": "teamId", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dto.AuthURLResponse"}}
                }
            }
        },
        "/accounts/gmail/callback": {
            "post": {
                "security": [{"Bearer": []}],
                "description": "Exchanges the consent code, stores the account and schedules its sync",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["accounts"],
                "summary": "Finish connecting a Gmail inbox",
                "parameters": [
                    {"description": "Consent result", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/dto.GmailCallbackRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/dto.GmailCallbackResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/dto.ErrorResponse"}}
                }
            }
        },
        "/accounts/{id}/connect": {
            "post": {
                "security": [{"Bearer": []}],
                "tags": ["accounts"],
                "summary": "Register the sync schedule of an account and run its first sync",
                "parameters": [
                    {"type": "string", "description": "Inbox account ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/dto.ConnectAccountResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/dto.ErrorResponse"}}
                }
            }
        },
        "/accounts/{id}/sync": {
            "post": {
                "security": [{"Bearer": []}],
                "description": "Manual syncs ignore the last sync time and the disconnected flag",
                "tags": ["accounts"],
                "summary": "Sync an account now",
                "parameters": [
                    {"type": "string", "description": "Inbox account ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/dto.ConnectAccountResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/dto.ErrorResponse"}}
                }
            }
        },
        "/inbox/upload": {
            "post": {
                "security": [{"Bearer": []}],
                "description": "Stores each file and queues it for extraction and matching",
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["inbox"],
                "summary": "Upload documents to a team inbox",
                "parameters": [
                    {"type": "string", "description": "Team ID", "name": "teamId", "in": "formData", "required": true},
                    {"type": "file", "description": "One or more documents", "name": "file", "in": "formData", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/dto.UploadResponse"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "security": [{"Bearer": []}],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Job state, progress and result",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dto.JobResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/dto.ErrorResponse"}}
                }
            }
        },
        "/matching/inbox": {
            "post": {
                "security": [{"Bearer": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["matching"],
                "summary": "Rematch inbox documents against transactions",
                "parameters": [
                    {"description": "Inbox items", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/dto.MatchInboxRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/dto.JobRef"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/dto.ErrorResponse"}}
                }
            }
        },
        "/matching/transactions": {
            "post": {
                "security": [{"Bearer": []}],
                "description": "Runs forward matching for the new transactions, then reverse matching for pending documents",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["matching"],
                "summary": "Match newly imported transactions against the inbox",
                "parameters": [
                    {"description": "New transactions", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/dto.MatchTransactionsRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/dto.JobRef"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/dto.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "dto.AuthURLResponse": {
            "type": "object",
            "properties": {"url": {"type": "string"}}
        },
        "dto.ConnectAccountResponse": {
            "type": "object",
            "properties": {"job_id": {"type": "string"}}
        },
        "dto.ErrorResponse": {
            "type": "object",
            "properties": {"error": {"type": "string"}}
        },
        "dto.GmailCallbackRequest": {
            "type": "object",
            "required": ["code", "email", "team_id"],
            "properties": {
                "code": {"type": "string"},
                "email": {"type": "string"},
                "team_id": {"type": "string"}
            }
        },
        "dto.GmailCallbackResponse": {
            "type": "object",
            "properties": {
                "account_id": {"type": "string"},
                "job_id": {"type": "string"}
            }
        },
        "dto.JobRef": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "name": {"type": "string"},
                "reference_id": {"type": "string"}
            }
        },
        "dto.JobResponse": {
            "type": "object",
            "properties": {
                "attempt": {"type": "integer"},
                "created_at": {"type": "string"},
                "finished_at": {"type": "string"},
                "id": {"type": "string"},
                "last_error": {"type": "string"},
                "max_attempts": {"type": "integer"},
                "name": {"type": "string"},
                "progress": {"type": "object"},
                "queue": {"type": "string"},
                "result": {"type": "object"},
                "state": {"type": "string"}
            }
        },
        "dto.MatchInboxRequest": {
            "type": "object",
            "required": ["inbox_ids", "team_id"],
            "properties": {
                "inbox_ids": {"type": "array", "minItems": 1, "items": {"type": "string"}},
                "team_id": {"type": "string"}
            }
        },
        "dto.MatchTransactionsRequest": {
            "type": "object",
            "required": ["team_id", "transaction_ids"],
            "properties": {
                "team_id": {"type": "string"},
                "transaction_ids": {"type": "array", "minItems": 1, "items": {"type": "string"}}
            }
        },
        "dto.UploadResponse": {
            "type": "object",
            "properties": {
                "jobs": {"type": "array", "items": {"$ref": "#/definitions/dto.JobRef"}}
            }
        }
    },
    "securityDefinitions": {
        "Bearer": {
            "description": "Type \"Bearer\" followed by a space and the service token.",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Inbox Pipeline API",
	Description:      "Financial document inbox: ingestion, extraction and transaction matching",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
