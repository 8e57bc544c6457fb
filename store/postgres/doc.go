// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED ready-task claim, conditional-UPDATE state CAS,
// embedded SQL migrations.
package postgres
