package main

// General API documentation for swaggo. The rendered document lives in
// internal/httpapi/docs.go and is served at /swagger/ by `modelmgr serve`.
//
// @title           modelmgr ops API
// @version         1.0
// @description     Health, readiness, status, sanity and metrics endpoints of the model manager.
//
// @contact.name   modelmgr maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
