// Package stage defines the extraction tool contract used by section
// pipelines, the built-in metadata extractor, and the tool registry that
// section configuration names resolve against.
package stage
