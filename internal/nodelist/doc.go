// Package nodelist expands compressed host lists as printed by Slurm, such as
// "node[01-03,7],gpu5", into individual host names.
package nodelist
