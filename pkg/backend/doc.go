// Package backend is the port for packaging extensions that the built-in
// assembler cannot handle, such as python extensions that need their
// dependencies bundled by the vendor SDK.
//
// ExecBackend runs the SDK on the host; DockerBackend runs it in a
// container. Both return the finished, signed outer archive.
package backend
