// Package llm abstracts text-completion providers behind a single Client
// interface so the constraint translator never depends on a vendor API.
package llm
