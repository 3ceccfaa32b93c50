// Package middleware provides HTTP middleware for the NestBox API.
//
// It includes:
//   - Request logging in W3C Extended Log Format
//   - Prometheus request metrics labelled by route template
//   - Response compression via gzhttp
//   - Session enforcement for the protected API routes
package middleware
