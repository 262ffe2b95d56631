package memkb

var defaultArticles = []Article{
	{
		ID:         "kb-887",
		Title:      "Database Connection Troubleshooting",
		Content:    "Diagnose and resolve database connection timeouts: check pool saturation, long-running queries, network latency and failover state.",
		Department: "IT",
		Team:       "DBA",
		Source:     "Confluence",
		URL:        "https://confluence.company.com/kb-887",
	},
	{
		ID:         "kb-892",
		Title:      "Database Backup and Restore Runbook",
		Content:    "Point-in-time restore, backup verification and replica rebuild procedures for production databases.",
		Department: "IT",
		Team:       "DBA",
		Source:     "Confluence",
		URL:        "https://confluence.company.com/kb-892",
	},
	{
		ID:         "kb-234",
		Title:      "Zero-Trust Network Access Policy",
		Content:    "Corporate zero-trust security model, VPN replacement, device posture and access review guidelines.",
		Department: "IT",
		Team:       "Security",
		Source:     "Confluence",
		URL:        "https://confluence.company.com/kb-234",
	},
	{
		ID:         "kb-310",
		Title:      "Deployment Rollback Procedure",
		Content:    "Roll back a failed deployment, pause the pipeline and restore the previous release of a service.",
		Department: "IT",
		Team:       "DevOps",
		Source:     "Confluence",
		URL:        "https://confluence.company.com/kb-310",
	},
	{
		ID:         "hr-101",
		Title:      "New Hire Onboarding Checklist",
		Content:    "Complete onboarding process including background checks, equipment, accounts and training for new hires.",
		Department: "HR",
		Team:       "Onboarding",
		Source:     "SharePoint",
		URL:        "https://sharepoint.company.com/hr/hr-101",
	},
	{
		ID:         "hr-205",
		Title:      "Payroll Correction Requests",
		Content:    "How to request a payroll correction for missed hours, incorrect deductions or late payment.",
		Department: "HR",
		Team:       "Payroll",
		Source:     "SharePoint",
		URL:        "https://sharepoint.company.com/hr/hr-205",
	},
	{
		ID:         "fin-042",
		Title:      "Invoice Dispute Handling",
		Content:    "Handle vendor invoice disputes, duplicate invoice payment and expense reimbursement questions.",
		Department: "Finance",
		Team:       "Accounting",
		Source:     "SharePoint",
		URL:        "https://sharepoint.company.com/finance/fin-042",
	},
	{
		ID:         "legal-017",
		Title:      "Contract Review Intake",
		Content:    "Submit contracts, NDAs and data processing agreements for legal review; GDPR compliance checklist.",
		Department: "Legal",
		Team:       "Contracts",
		Source:     "SharePoint",
		URL:        "https://sharepoint.company.com/legal/legal-017",
	},
}
