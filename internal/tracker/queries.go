package tracker

const labelFields = `
            id
            name
            color
            description
            createdAt
            updatedAt
            creator {
                id
            }
            team {
                id
                key
                name
            }`

const viewerQuery = `query Viewer {
    viewer {
        id
        name
        displayName
        email
        organization {
            id
            name
            urlKey
        }
    }
}`

const issueLabelsQuery = `query IssueLabels($first: Int!, $after: String) {
    issueLabels(first: $first, after: $after) {
        nodes {` + labelFields + `
        }
        pageInfo {
            hasNextPage
            endCursor
        }
    }
}`

const createLabelMutation = `mutation CreateLabel($input: IssueLabelCreateInput!) {
    issueLabelCreate(input: $input) {
        success
        issueLabel {` + labelFields + `
        }
    }
}`

const updateLabelMutation = `mutation UpdateLabel($id: String!, $input: IssueLabelUpdateInput!) {
    issueLabelUpdate(id: $id, input: $input) {
        success
        issueLabel {` + labelFields + `
        }
    }
}`

const createIssueMutation = `mutation CreateIssue($input: IssueCreateInput!) {
    issueCreate(input: $input) {
        success
        issue {
            id
            title
            identifier
            url
        }
    }
}`

const createCommentMutation = `mutation CreateComment($input: CommentCreateInput!) {
    commentCreate(input: $input) {
        success
        comment {
            id
        }
    }
}`
