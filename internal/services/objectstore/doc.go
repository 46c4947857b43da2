// Package objectstore fetches subject media and stores job artifacts.
//
// Refs are slash-separated paths relative to a root directory. Refs that
// escape the root are rejected as permanent input errors; missing objects
// are reported as not found, which workers also treat as permanent.
package objectstore
