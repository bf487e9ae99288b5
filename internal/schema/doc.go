// Package schema defines the records the sync engine stores and exchanges.
//
// # Overview
//
// Every record is owned by one user. Activities, assignments and responses
// arrive from the backend; queue items and photo blobs originate on the device.
//
// # Status State Machine
//
// Assignment and response statuses move along a small role-gated graph:
//
//	Assigned -> Opened -> Submitted by PPL -> Approved by PML
//	                                       -> Rejected by PML
//	Approved by PML -> Submitted by PPL   (supervisor revert)
//	Submitted Local -> Submitted by PPL   (offline create acknowledged)
//
// Collectors (PPL) open and submit; supervisors (PML) approve, reject and
// revert. CheckTransition is the guard for every status written locally.
// Statuses delivered by the backend are authoritative and bypass the guard.
//
// # Answers
//
// Answers is the validated answer payload: question ids mapping to scalars,
// lists and nested objects. Dotted paths address roster cells:
//
//	answers := schema.Answers{}
//	_ = answers.Set("members.0.name", "Siti")
//	v, _ := answers.Get("members.0.name") // "Siti"
//
// # Queue Payloads
//
// Each MutationType has a typed payload (SubmitPayload, StatusPayload,
// CreatePayload, UploadPhotoPayload) encoded as JSON inside a QueueItem.
package schema
