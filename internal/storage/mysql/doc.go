// Package mysql persists conversation threads in MySQL. It owns the schema
// migrations for the thread_messages table and stores each message as a JSON
// payload ordered by insertion.
package mysql
