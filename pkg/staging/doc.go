// Package staging owns the scratch directory a build writes its
// intermediate files to, and the locks that keep two builds of the same
// project from sharing it at once.
//
// Lockers can be combined with Chain: the in-process MutexLocker covers
// watch mode, FileLocker covers several extforge processes on one machine,
// and RedisLocker covers machines sharing a checkout.
package staging
