// Package language normalizes the language hints callers attach to transcribe
// jobs and the language tags the model server reports back.
//
// Codes are canonicalized to their ISO 639 base ("en", "fr", "yue") so one
// language is never stored under several spellings. English language names
// such as "german" are accepted as input.
package language
