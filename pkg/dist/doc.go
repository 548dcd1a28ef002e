// Package dist stores finished artifacts. Only archives that passed
// validation or were accepted by the registry are written here, and every
// write is atomic so a reader never sees a partial archive.
package dist
