package swagger

//go:generate swag init --generalInfo swagger.go --output docs --dir .,../internal/httpapi,../api --parseInternal --generatedTime=false
//go:generate go run ./internal/swaggerhtml --out docs/swagger.html

// @title           editlock API
// @version         0.1
// @description     editlock grants exclusive, heartbeat-renewed edit locks on content resources.
// @license.name    MIT
// @license.url     https://opensource.org/license/mit/
// @BasePath        /
// @schemes         https http
// @accept          json
// @produce         json
// @tag.name        locks
// @tag.description Check, acquire, heartbeat, release and take over edit locks.
// @tag.name        system
// @tag.description Service health and readiness probes.
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization

// Package swagger provides go:generate hooks for producing OpenAPI assets.
type Package struct{}
