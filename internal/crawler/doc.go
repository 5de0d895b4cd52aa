// Package crawler implements the polite single-site crawl pipeline: robots
// rules, the per-host fetch scheduler with retry and backoff, sitemap
// resolution, and detail-page extraction.
package crawler
