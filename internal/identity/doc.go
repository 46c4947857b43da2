// Package identity links speakers across recordings.
//
// Every completed transcription stores one VoicePrint per diarized speaker.
// The Matcher compares new prints against the owner's existing prints and
// either links them to an existing SpeakerProfile (high confidence) or
// records a MatchCandidate for review (low confidence). Profiles are never
// merged automatically; MergeProfiles is an explicit operator action.
//
// All writes that follow a job outcome are expressed as jobs.TxWriter values
// so they commit in the same transaction as the job's COMPLETED transition.
package identity
