// ABOUTME: Package documentation for predecessor consultation
// ABOUTME: Describes the resume/ask/re-suspend query flow

// Package consult lets a fresh agent ask the session it replaced a
// question.
//
// A consultation targets the most recent suspended or terminated session
// for a role that still carries a resumable provider session id. The
// service resumes that session with the question as its prompt, gathers
// assistant text until a terminal event, and by default parks the
// predecessor again once it has answered. Queries are bounded by a
// clamped timeout and can be cancelled without touching the resumed
// process.
package consult
