/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

func getFavicon() string {
	return `<link rel="icon" href="data:image/svg+xml,%3Csvg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 16 16'%3E%3Ctext x='1' y='13' font-size='13'%3E%3F%3C/text%3E%3C/svg%3E">
	<meta name="theme-color" content="#ffffff">`
}
