// Package crawler defines the task, outcome, and state types shared by the
// scheduler, its admission gates, and the fetch collaborators.
package crawler
