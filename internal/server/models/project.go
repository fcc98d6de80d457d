package models

import "time"

type Project struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ClientName string    `json:"clientName"`
	ClientCode string    `json:"clientCode"`
	CreatedAt  time.Time `json:"createdAt"`
}
