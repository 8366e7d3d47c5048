// Package tasks stores the reply tasks created from social mentions.
//
// A task is keyed by a generated id and deduplicated by the mention that
// produced it: Create with an already known mention id returns the existing
// row untouched, so replaying a batch of mentions is harmless.
//
//	store, _ := tasks.OpenSQLite("data/tasks.db")
//	t, _ := store.Create(ctx, sourcePostID, mentionID)
//
// Status moves forward through
//
//	pending → processing → generating → completed
//
// and any non-completed status may drop to failed. A failed task can be run
// again, which starts the pipeline over from processing. Each move into
// failed increments Attempts.
//
// Nested records (media, author, referenced posts) are typed in memory and
// stored as JSON columns.
package tasks
