// Package workflow holds the registry of named stage sequences tasks move
// through. Three workflows are built in (feature, bugfix, quick); a
// workflows.yaml in the data directory can add more or override them.
package workflow
