// Package cache owns the on-disk layout under StoragePath: JSON responses at
// <root>/<key>/<key>_<kind>.json and images at <root>/<date>/images/<id>.png.
// Writes go through a same-directory temp file plus rename so readers never
// observe partial content. The package also provides the PNG signature check
// and the size-stability watcher used by the asset coordinator.
package cache
